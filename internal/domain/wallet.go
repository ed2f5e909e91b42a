package domain

import (
	"time"

	"github.com/google/uuid"
)

// Wallet — управляемый кошелёк кампании.
//
// Приватный ключ хранится только в зашифрованном виде (EncryptedKey)
// и расшифровывается keys.Service на время одного job.
type Wallet struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`

	// Address — публичный адрес (base58).
	Address string `json:"address"`

	// EncryptedKey — непрозрачный handle зашифрованного ключа.
	// Никогда не сериализуется наружу.
	EncryptedKey []byte `json:"-"`

	// Active — участвует ли кошелёк в торговле.
	Active bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
}
