package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

// Interior characters may use the full URL-safe set; the first and last
// characters stay alphanumeric so an id never starts or ends with something
// a shell, URL parser or filename handler could misread.
const (
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	urlSafe      = alphanumeric + "-_.~"
)

const IDLength = 8

// GenID produces an 8-character paste id. The keyspace is 62^2 * 69^6
// (~3x10^17); uniqueness is left to the store's primary key constraint.
func GenID() (string, error) {
	id := make([]byte, IDLength)
	c, err := pick(alphanumeric)
	if err != nil {
		return "", err
	}
	id[0] = c
	for i := 1; i < IDLength-1; i++ {
		c, err = pick(urlSafe)
		if err != nil {
			return "", err
		}
		id[i] = c
	}
	c, err = pick(alphanumeric)
	if err != nil {
		return "", err
	}
	id[IDLength-1] = c
	return string(id), nil
}

func pick(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, errors.Wrap(err, "rand fail")
	}
	return alphabet[n.Int64()], nil
}
