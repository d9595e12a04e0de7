// Package main hosts the osint-shield entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts scan tasks, citizen signals and evidence uploads, records SOC decisions,
//     seals forensic reports and drives simulated operator dispatches.
//   - Queues: scan tasks and results travel over two named lists (Redis or in-process). Every loop owns its own
//     connection and re-dials with backoff when the store goes away.
//   - Workers: each worker pops a task, captures the page (chromedp screenshot or colly fetch), stores the artifact,
//     scores the extracted text and pushes exactly one result.
//   - Consumer: applies results to the case store idempotently. The case UUID equals the task id, so a replayed result
//     updates the same case.
//   - Sealer: canonical JSON snapshot plus SHA-256 digest; the report row and the evidence seal commit together.
//
// Quick checklist:
//   - Configure env vars with the SHIELD_ prefix (SHIELD_DB_DSN, SHIELD_QUEUE_BACKEND, SHIELD_QUEUE_REDIS_URL, ...)
//     or pass --config config.yaml. .env files in the working directory are loaded first.
//   - Run everything locally: go run ./cmd/osint-shield all
//   - Split roles: serve, worker and consumer run the same binary with a shared Redis and Postgres.
package main
