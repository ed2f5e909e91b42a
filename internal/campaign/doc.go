// Package campaign реализует жизненный цикл кампании.
//
// Service меняет статус кампании и её run в одной транзакции
// (repo.CampaignRepo.Transition), а после commit отправляет jobs:
//   - Activate — новый run и pool.discover
//   - Pause    — run на паузу; сделки откладываются до возобновления
//   - Resume   — run снова running, отложенные сделки продолжаются
//   - Stop     — run остановлен, funds.sweep для каждого кошелька
//   - Force    — admin override: любой статус с теми же побочными эффектами
//
// Каждое изменение статуса публикуется событием campaign.status.
package campaign
