// Package scc and its sub-packages implement the coordination core of a multi-chain supply-chain network.
/*
scc provides one service, the coordinator (cmd/sccd), built from five components:

1) a node registry (package registry) of the primary and secondary nodes taking part in consensus, with their role,
 expertise, stake, trust score and reputation.

2) a consensus engine (package consensus) that groups supply-chain transactions into hashed batches, selects
 validators weighted by reputation and stake, collects their votes and finalizes each batch as committed or rejected
 once a supermajority is reached or the validation deadline passes. Results are settled on the reward/penalty ledger
 and committed batches are anchored on their chain.

3) an escrow manager (package escrow) that locks purchase payments, splits them between manufacturer, transporters
 and platform, and releases them on confirmed delivery, by delivery token or automatically after the auto release
 period. Cross-chain purchases arrive as purchase.requested messages.

4) dispute arbitration (package dispute): stakeholders elect a neutral arbitrator by weighted vote, the arbitrator
 reviews the evidence and submits a resolution that refunds, releases or compensates.

5) a receipt watcher (package watcher) that follows the ledger transactions the core submitted until they are
 confirmed, reverted or dropped.

Architecture

Components share one store (package lib/store), a database product agnostic layer with MongoDB, PostgreSQL and
in-memory backends. Every state change is a compare-and-swap on the record status, so concurrent coordinators never
apply the same transition twice.

External side effects (ledger submissions, bus messages and evidence uploads) go through an outbox (package lib/outbox)
drained by a worker pool, so a slow network never blocks a vote or a release. The blockchain layer (package lib/block)
hides node fallback, retries and rate limiting per network, and signs with the vault account of an HD wallet. The
message broker (package lib/msg) carries cross-chain messages and is implemented over AMQP or in memory.

Evidence is kept in a content addressed store (package lib/content), a local bolt file optionally mirrored to GridFS.

Coordinator

The coordinator can be started running cmd/sccd/main.go with a JSON or YAML configuration file (see cmd/conf.json).
It exposes an HTTP RESTful API for nodes, batches, escrows and disputes, and serves Prometheus metrics on /metrics.

*/
package scc
