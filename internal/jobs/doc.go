// Package jobs — специализированные обработчики job'ов.
//
// Каждый обработчик — worker.HandlerFunc, регистрируется в worker.Registry:
//
//	pool.discover    — поиск пула токена, первые trade.buy по кошелькам
//	trade.buy/sell   — swap через Jupiter, отправка через executor,
//	                   execution record, следующая сделка с задержкой
//	funds.sweep      — вывод SOL кошелька на sweep_destination
//	notify           — fan-out события по sinks
//	status.aggregate — статистика run, пауза/остановка/завершение run
//
// Повторная доставка уже обработанного job не создаёт второй
// execution record и не отправляет транзакцию повторно: job помечается
// ключом job:<record id> только после записи итога, а подпись сохраняется
// в job record до отправки.
package jobs
