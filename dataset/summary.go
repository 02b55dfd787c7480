package dataset

// PopSummary describes the compatibility coverage for one population p.
type PopSummary struct {
	Pop        int
	JTypes     int // j-types with population p
	Partners   int // j-types with population N-p
	Pairs      int // compatible (j, x) pairs with pop(j) == p
	Unmatched  int // j-types with population p and no partner
	Placements int // placements that introduce a j-type with population p
}

// Summary is a quick sanity overview of a dataset.
type Summary struct {
	N            int
	Version      string
	Roots        int
	Placements   int
	Complete     int
	JTypes       int
	CompatSource CompatSource
	CompatPairs  uint64
	Pops         []PopSummary
}

// Summary computes per-population coverage statistics.
func (ds *Dataset) Summary() Summary {
	s := Summary{
		N:            ds.N,
		Version:      ds.Version,
		Roots:        ds.NumRoots(),
		Placements:   ds.NumPlacements(),
		JTypes:       ds.NumJTypes(),
		CompatSource: ds.CompatSource,
		CompatPairs:  ds.Compat.NumPairs(),
		Pops:         make([]PopSummary, ds.N-1),
	}
	for i := range s.Pops {
		s.Pops[i].Pop = i + 1
	}
	for _, p := range ds.placements {
		if int(p.Pop) == ds.N {
			s.Complete++
		} else {
			s.Pops[p.Pop-1].Placements++
		}
	}
	for j, p := range ds.JTypePop {
		if p == 0 {
			continue
		}
		ps := &s.Pops[p-1]
		ps.JTypes++
		s.Pops[ds.N-int(p)-1].Partners++
		np := int(ds.Compat.Partners(uint16(j)).GetCardinality())
		ps.Pairs += np
		if np == 0 {
			ps.Unmatched++
		}
	}
	return s
}
