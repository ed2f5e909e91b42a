// Package telemetry — логирование и метрики.
//
// Логирование: log/slog, JSON по умолчанию, text для разработки.
// Scoped-логгеры добавляют job_id, job_type, queue, attempt, campaign_id.
// Секреты (ключи, credentials) в лог не попадают.
//
// Метрики: Prometheus, экспортируются на /metrics через promhttp.
package telemetry
