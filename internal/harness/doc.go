// Package harness runs pipeline scenarios described in YAML against a fresh
// in-memory store and checks the resulting target.
//
// # Scenario Format
//
//	name: latest_wins
//	description: "Two records for one key; the later one is kept"
//	pipeline:
//	  key_columns: [region, order_id]
//	columns:
//	  - {name: region, type: TEXT}
//	  - {name: order_id, type: TEXT}
//	  - {name: ingested_at, type: TEXT}
//	  - {name: val, type: TEXT}
//	steps:
//	  - append:
//	      - {region: R1, order_id: O1, ingested_at: "t1", val: x}
//	      - {region: R1, order_id: O1, ingested_at: "t2", val: y}
//	  - run: true
//	assertions:
//	  - type: target_row
//	    where: {region: R1, order_id: O1}
//	    expect: {val: y}
//
// # Steps
//
// Each step does exactly one thing:
//
//   - append: add rows to the source (change_type defaults to insert)
//   - purge: remove every source row matching the given keys
//   - run: one full pipeline run
//   - reconcile: a reconciliation pass only (dry_run optional)
//
// fail_merges may accompany run: that many upserts fail transiently first.
// expect_error names the stage a run or reconcile step must fail in.
//
// # Assertion Types
//
//   - target_count: the target holds exactly count rows
//   - target_row: the row matching where contains expect (subset match)
//   - target_absent: no row matches where
//   - feed_count: the target change feed holds exactly count records
//   - checkpoint: the saved position equals position
//
// # Golden Files
//
// RunWithGolden snapshots the final target, its change feed, and the checkpoint
// as canonical JSON under testdata/golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
