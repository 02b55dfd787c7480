// Package testutil provides exact fixtures and brute-force oracles for tests.
//
// This package is intended for use in tests and benchmarks only. The
// oracles are exponential and only practical for N <= 6.
//
// # Fixture Datasets
//
//	ds, err := testutil.BuildDataset(4)   // every legal placement of the 4×4 half
//	path, err := testutil.WriteDataset(t.TempDir(), ds)
//
// # Ground Truth
//
//	testutil.CountPartitions(4)      // 117, by direct search of the full grid
//	testutil.CountHalfFillings(ds)   // exact covers of the half by ds placements
package testutil
