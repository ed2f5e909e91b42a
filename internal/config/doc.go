// Package config загружает настройки процессов Tradeflow.
//
// Источники в порядке приоритета: переменные окружения с префиксом
// TRADEFLOW_ (точка в ключе заменяется на "_", например
// TRADEFLOW_DATABASE_DSN), YAML-файл, значения по умолчанию.
//
// Длительности задаются строками ("30s", "2m").
package config
