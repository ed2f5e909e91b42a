// Package solana — клиент Solana: JSON-RPC, WebSocket-подписки,
// кодек транзакций и подпись.
//
// Структура:
//   - pubkey.go      — PublicKey, Hash, проверка on-curve (edwards25519)
//   - transaction.go — разбор/сериализация wire-формата, подпись, замена blockhash
//   - builder.go     — сборка legacy-транзакций (system transfer)
//   - rpc_client.go  — HTTP JSON-RPC 2.0 с retry и backoff
//   - ws_client.go   — signatureSubscribe через WebSocket
//   - confirm.go     — подтверждение транзакции в пределах validity window
package solana
