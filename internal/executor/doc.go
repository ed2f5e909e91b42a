// Package executor отправляет подписанные транзакции в сеть.
//
// Два варианта исполнения:
//   - DirectExecutor — sendTransaction + подтверждение через
//     signatureSubscribe и getSignatureStatuses; при истечении blockhash
//     повторяет отправку с новым blockhash до MaxAttempts раз.
//   - BundleExecutor — пачки до BundleSizeLimit-1 транзакций плюс
//     tip-транзакция, отправляются через relay одним bundle.
//
// Factory выбирает вариант по параметрам кампании. Bundle mode без
// credentials relay — ошибка конфигурации, тихого отката на direct нет.
//
// Исход отправки:
//
//	confirmed     — транзакция подтверждена
//	rejected      — сеть отклонила транзакцию (*RejectedError)
//	indeterminate — подтверждения нет, попытки исчерпаны (*IndeterminateError)
//	partial       — часть bundle-чанков прошла
//	failed        — ни один bundle не прошёл (ErrBundleNotLanded)
package executor
