package matching

import "slices"

type bucketKey struct {
	collectionID  string
	ownerIdentity string
}

// bucket holds, for one (collection, owner) pair, every timestamp at which
// each queried fingerprint was added. Timestamp lists are sorted by seal.
type bucket struct {
	createdAt    int64
	hasCreatedAt bool
	timestamps   map[string][]int64
}

func newBucket() *bucket {
	return &bucket{timestamps: make(map[string][]int64)}
}

func (b *bucket) add(fingerprint string, timestamp int64) {
	b.timestamps[fingerprint] = append(b.timestamps[fingerprint], timestamp)
}

func (b *bucket) observeCreatedAt(createdAt int64) {
	if !b.hasCreatedAt || createdAt < b.createdAt {
		b.createdAt = createdAt
		b.hasCreatedAt = true
	}
}

func (b *bucket) seal() {
	for _, timestamps := range b.timestamps {
		slices.Sort(timestamps)
	}
}

// hasMatch reports whether any timestamp for fingerprint lies within
// maxDiffSeconds of target. Only the insertion point and its predecessor
// can hold the nearest value.
func (b *bucket) hasMatch(fingerprint string, target, maxDiffSeconds int64) bool {
	timestamps, ok := b.timestamps[fingerprint]
	if !ok || len(timestamps) == 0 {
		return false
	}
	position, _ := slices.BinarySearch(timestamps, target)
	if position > 0 && absDiff(timestamps[position-1], target) <= maxDiffSeconds {
		return true
	}
	if position < len(timestamps) && absDiff(timestamps[position], target) <= maxDiffSeconds {
		return true
	}
	return false
}

func absDiff(left, right int64) int64 {
	if left > right {
		return left - right
	}
	return right - left
}

func buildBuckets(rows []EventRow) map[bucketKey]*bucket {
	buckets := make(map[bucketKey]*bucket)
	for _, row := range rows {
		key := bucketKey{collectionID: row.CollectionID, ownerIdentity: row.OwnerIdentity}
		current, ok := buckets[key]
		if !ok {
			current = newBucket()
			buckets[key] = current
		}
		current.add(row.Fingerprint, NormalizeUnixTimestamp(row.Timestamp))
		current.observeCreatedAt(NormalizeUnixTimestamp(row.CreatedAt))
	}
	for _, current := range buckets {
		current.seal()
	}
	return buckets
}
