package tinycommit

/*
TinyCommit is a cycle level model of the commit units of a GPU transactional memory system. It is intended for
experimenting with optimistic commit pipelines, not for modelling a particular chip.

Every memory partition owns one commit unit. A commit unit receives the read and write logs of transactions in global
commit order, validates reads against memory, detects conflicts between transactions that are in flight together, and
writes back the transactions that pass. Transactions that touch several partitions are decided by a vote collected by
the issuing core.

Building TinyCommit produces one executable, commit-sim, which drives a synthetic workload through a set of commit units
and reports throughput, abort rate and pipeline stalls. It can serve its progress over HTTP while it runs.

The `tinycommit` module is organized into the following packages:

* `tm/signature`: hashed address signatures and their hash function families.
* `tm/accessset`: read and write sets kept as an exact set, a signature, or both.
* `tm/conflict`: the table of last writers and readers used to detect hazards between in flight transactions.
* `tm/pipeline`: the commit unit itself, its ring of entries and its pointers.
* `tm/memory`: a memory partition with versioned words and a latency model.
* `tm/workload`: the cores and warps that issue transactions and collect votes.
* `tm/sim`: drives a workload against the commit units in lock step and builds a report.
* `tm/config`: TOML configuration and command line flags.
* `tm/server`: the HTTP status server.
* `cmd/commit-sim`: the command line entry point.
*/
