package detection

import (
	"github.com/cespare/xxhash/v2"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// ShardFor routes a sensor to one of n shards. Every reading of a sensor maps
// to the same shard, which makes that shard the window's only writer.
func ShardFor(key domain.SensorKey, n int) int {
	if n <= 1 {
		return 0
	}
	return jumpHash(xxhash.Sum64String(key.String()), n)
}

// jumpHash is Lamping & Veach's jump consistent hash.
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
