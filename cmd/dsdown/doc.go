// Package main hosts the dsdown entrypoint.
//
// Architecture overview:
//   - Ingestion: `fetch` walks the release feed newest first through a colly fetcher throttled per host, stopping
//     at the persisted cursor. New chapters are registered and classified by their series: followed series are
//     queued, ignored ones dismissed, the rest wait for a decision (`chapters new`).
//   - Budget: the queue admits at most downloads.max_per_window starts per rolling downloads.window. The budget is
//     derived from the download history table, so restarts never reset it.
//   - Downloads: `drain` (and `download` for a single chapter) streams archives into a temp file, commits it under the
//     series directory, converts non-zip archives with an external extractor, embeds ComicInfo.xml and hashes the
//     result. A failed entry stays failed until `queue reset`.
//   - Persistence: the registry lives in SQLite by default (Postgres and an in-memory store are available). The cursor
//     and a single-writer lock live in state.dir.
//   - Observability: zap logs, Prometheus metrics on /metrics under `serve`, and progress events fanned out to log,
//     metrics, snapshot and terminal sinks.
//
// Quick checklist:
//   - Configure with --config or DSDOWN_* env vars, e.g. DSDOWN_DOWNLOADS_MAX_PER_WINDOW=8.
//   - Run locally: go run ./cmd/dsdown fetch && go run ./cmd/dsdown drain.
//   - Unattended: dsdown serve --interval 1h.
package main
