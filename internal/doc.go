// Package internal contains the implementation of the MyTPU polling daemon.
//
// # Architecture
//
// The daemon is structured into several key packages:
//   - auth: Basic-credential extraction and OAuth token lifecycle
//   - tpu: MyTPU web API client and domain records
//   - stats: conversion of usage history into cumulative statistic series
//   - database: Postgres-backed statistics store
//   - state: on-disk token persistence
//   - poller: the per-cycle orchestration and failure classification
//   - scheduler: periodic poll and proactive token refresh jobs
//   - web: read-only HTTP status and series query surface
//
// Key Behaviors
//
//   - Token Lifecycle:
//     Tokens are refreshed ahead of expiry because the portal rejects
//     refresh grants for already-expired access tokens. The undocumented
//     Basic client credential is scraped from the portal's JS bundle.
//
//   - Statistics:
//     Daily readings become an append-only cumulative series per meter,
//     deduplicated against the persisted watermark so refetches of
//     overlapping windows are idempotent.
//
//   - Failure Policy:
//     Authentication rejections demand reauthentication immediately;
//     server errors are retried, escalating only after several
//     consecutive failures of the token exchange.
//
// For more information about specific packages, see their respective
// documentation.
package internal
