package random

import (
	"crypto/rand"
	"math/big"

	"github.com/comrade-coop/teesa-engine/internal/errors"
)

var allowedLetters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

// Letters returns n cryptographically random ASCII letters.
func Letters(n uint) (string, error) {
	letters := make([]rune, n)
	for i := range letters {
		letterIndex, err := rand.Int(rand.Reader, big.NewInt(int64(len(allowedLetters))))
		if err != nil {
			return "", err
		}
		letters[i] = allowedLetters[letterIndex.Int64()]
	}
	return string(letters), nil
}

// Pick returns a uniformly random element of choices.
func Pick(choices []string) (string, error) {
	if len(choices) == 0 {
		return "", errors.New("pick from empty slice")
	}
	index, err := rand.Int(rand.Reader, big.NewInt(int64(len(choices))))
	if err != nil {
		return "", errors.Wrap(err, "random index")
	}
	return choices[index.Int64()], nil
}
