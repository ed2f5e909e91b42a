// Package jupiter — клиент Jupiter swap API v6.
//
// Используется для двух задач:
//   - pool discovery: маршрут котировки SOL → token указывает пул (ammKey) и DEX (label);
//   - сборка swap-транзакций для buy/sell: /swap возвращает неподписанную
//     versioned-транзакцию, которую подписывает и отправляет executor.
package jupiter
