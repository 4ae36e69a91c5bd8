package entries

// minBuckets is the smallest bucket array a segment starts with.
const minBuckets = 7

// nextPrime returns the smallest prime >= n (and >= minBuckets).
// Segments size their bucket arrays with primes so that the bucket index
// (hash mod size) uses every bit of the hash.
func nextPrime(n int) int {
	if n <= minBuckets {
		return minBuckets
	}
	if n%2 == 0 {
		n++
	}
	for !isPrime(n) {
		n += 2
	}
	return n
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for d := 3; d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}
	return true
}
