// Package cmd defines the drive-backup CLI.
//
// Architecture overview:
//   - Commands: "run" performs one backup in the foreground, "serve" exposes the same runs over HTTP,
//     "retention" prunes old snapshots and "check-series" reports whether a selection already has history.
//     Every command loads configuration through internal/config (file, .env, BACKUP_* environment) and builds
//     the services via internal/app before it runs.
//   - Run pipeline: internal/runner maps the selection with the crawler, stages files through the download
//     coordinator, packs them with the archiver and records the result with the snapshot engine. Remote calls go
//     through the retrying, rate limited client in internal/remote.
//   - Concurrency: two process-wide pools (crawl and compress) bound all parallel work. Concurrent mode feeds a
//     bounded queue of files to consumers that run on the crawl pool.
//   - Persistence: run progress lives in memory, Postgres or Redis; snapshot records in memory or Postgres;
//     archives on local disk or in a GCS bucket. Finished runs can be announced on Pub/Sub.
//   - Observability: zap logs carry task ids, Prometheus collectors cover runs, pools, retries and the API, and
//     OpenTelemetry spans wrap each run phase when telemetry is enabled.
//
// Quick checklist:
//   - Try it without credentials: drive-backup run --demo --item projects=Projects
//   - Point at Drive: set remote.credentials_file (or BACKUP_REMOTE_CREDENTIALS_FILE) to a service account key.
//   - Keep history across restarts: set store.backend=postgres and store.postgres.dsn.
package cmd
