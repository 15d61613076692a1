package risk

// Policy holds the no-show thresholds. Counts are inclusive.
type Policy struct {
	WarnAtCount       int
	BlockAtCount      int
	BlockType         BlockType
	AdminAlertAtCount int
}

// DefaultPolicy warns at the second no-show, blocks the account at the third
// and alerts staff from the second onward.
func DefaultPolicy() Policy {
	return Policy{WarnAtCount: 2, BlockAtCount: 3, BlockType: BlockAccount, AdminAlertAtCount: 2}
}

// ShouldReceiveWarning holds while the count sits in [WarnAtCount, BlockAtCount).
func (p Policy) ShouldReceiveWarning(r *Record) bool {
	if r == nil || r.IsBlocked() || p.WarnAtCount <= 0 {
		return false
	}
	if r.NoShowCount < p.WarnAtCount {
		return false
	}
	return p.BlockAtCount <= 0 || r.NoShowCount < p.BlockAtCount
}

// ShouldBeBlocked holds once the count reaches BlockAtCount.
func (p Policy) ShouldBeBlocked(r *Record) bool {
	if r == nil || r.IsBlocked() || p.BlockAtCount <= 0 {
		return false
	}
	return r.NoShowCount >= p.BlockAtCount
}

// ShouldAlertAdmin holds once the count reaches AdminAlertAtCount.
func (p Policy) ShouldAlertAdmin(r *Record) bool {
	if r == nil || p.AdminAlertAtCount <= 0 {
		return false
	}
	return r.NoShowCount >= p.AdminAlertAtCount
}
