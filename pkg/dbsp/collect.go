package dbsp

// CollectDiffs returns exactly the updates the trace received at time t, transformed by logic,
// in key and value order. Afterwards the reader gives up distinguishing batches and advances to
// t: the caller promises never to ask about times before t again.
func CollectDiffs[K, V, R any](h *TraceHandle[K, V], t Time, logic func(K, V, Time, int64) R) []R {
	var ret []R
	h.MapBatches(func(b *Batch[K, V]) {
		if t < b.Lower() || t >= b.Upper() {
			return
		}
		for c := b.Cursor(); c.KeyValid(); c.StepKey() {
			for ; c.ValValid(); c.StepVal() {
				k, v := c.Key(), c.Val()
				c.MapTimes(func(u Time, d int64) {
					if u == t {
						ret = append(ret, logic(k, v, u, d))
					}
				})
			}
		}
	})

	h.DistinguishSince(EmptyFrontier())
	h.AdvanceBy(FrontierAt(t))

	return ret
}
