// Package districts counts the partitions of an N×N grid into N contiguous
// districts of N cells each.
//
// The count is exact. It is computed in two phases from a precomputed
// compatibility dataset:
//
//  1. every legal filling of the left half of the grid is enumerated and
//     compressed into a bucket store: for each set of districts crossing the
//     cut, the number of fillings that leave exactly those partial districts;
//  2. the store is matched against the mirrored right half. Buckets with
//     complementary partial populations are paired and the crossing
//     districts are joined through the dataset's compatibility relation.
//
// # Quick Start
//
//	c, err := districts.New(
//	    districts.WithWorkers(16),
//	    districts.WithMemoryLimit(48<<30),
//	    districts.WithLogger(districts.NewTextLogger(slog.LevelInfo)),
//	)
//	if err != nil {
//	    return err
//	}
//	res, err := c.Run(ctx, "data/dataset_n8.npz")
//	if err != nil {
//	    os.Exit(districts.ExitCode(err))
//	}
//	fmt.Println(res.Count) // 187497290034
//
// # Snapshots and Resume
//
// After phase 1 the bucket store is written to a snapshot next to the
// dataset (data/dataset_n8_snapshot.npz by default). A batch job that hits
// its wall-clock limit during phase 2 is resumed with
//
//	res, err := c.Resume(ctx, "data/dataset_n8.npz", "data/dataset_n8_snapshot.npz")
//
// which skips the enumeration. The snapshot records the grid size, the
// dataset version and the reflection convention; a resume against anything
// else fails with ErrVersionMismatch instead of producing a wrong count.
//
// # Failure Model
//
// Every failure is fatal and surfaces as one of four kinds, each matched
// with errors.Is: ErrInvalidDataset, ErrMemoryExceeded, ErrVersionMismatch
// and ErrSnapshotIO. ExitCode maps them to process exit statuses.
package districts
