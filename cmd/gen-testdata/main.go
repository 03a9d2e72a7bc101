// gen-testdata emits key:value lines suitable for `ultrastore build -hex`:
// every key is a 64 character hex digest, so decoded keys share one length,
// while value lengths vary.
package main

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
)

const (
	prefix  = "pref_"
	hmacKey = "d259c7f656caf7f1"
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

func main() {
	nPairs := flag.Int("n", 1000000, "number of key:value pairs to generate")
	flag.Parse()

	rng := newRand()
	h := hmac.New(sha256.New, []byte(hmacKey))

	for i := 0; i < *nPairs; i++ {
		// 8 random bytes minimum keeps collisions (and so duplicate
		// keys) out of reach at any plausible -n
		suffix := make([]byte, 8+rng.Intn(8))
		if _, err := rng.Read(suffix); err != nil {
			panic(err)
		}
		value := fmt.Sprintf("%s%x", prefix, suffix)
		h.Reset()
		h.Write([]byte(value))
		key := hex.EncodeToString(h.Sum(nil))

		fmt.Printf("%s:%s\n", key, value)
	}
}
