// Package jito — клиент Jito block engine (bundle relay).
//
// Relay принимает bundle из до 5 транзакций, которые исполняются
// атомарно и последовательно в одном слоте. Одна из транзакций должна
// переводить tip на один из tip accounts relay.
//
// Результат bundle relay не пушит: клиент опрашивает
// getInflightBundleStatuses и раздаёт финальные статусы подписчикам
// OnBundleResult.
package jito
