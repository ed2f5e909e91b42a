// Package keys — расшифровка ключей кошельков по требованию.
//
// Ключи хранятся в wallets.encrypted_key как XChaCha20-Poly1305
// ciphertext (nonce || sealed), AAD — id кошелька. Расшифрованный ключ
// живёт ровно один job и затирается через SigningKey.Wipe.
package keys
