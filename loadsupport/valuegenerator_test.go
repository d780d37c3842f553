package loadsupport

import (
	"bytes"
	"math/rand"
	"testing"
)

const (
	checkMark = "\u2713"
	ballotX   = "\u2717"
)

func TestRandomValueGenerator(t *testing.T) {

	t.Log("given a random value generator")
	{
		g := RandomValueGenerator{}
		r := rand.New(rand.NewSource(42))

		t.Log("\twhen generating a value of positive size")
		{
			v := g.GenerateValue(0, 100, r)

			msg := "\t\tvalue must have requested size"
			if len(v) == 100 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, len(v))
			}

			msg = "\t\tvalue must only contain letters"
			for _, c := range v {
				if !bytes.ContainsRune([]byte(letterBytes), rune(c)) {
					t.Fatal(msg, ballotX, string(c))
				}
			}
			t.Log(msg, checkMark)
		}

		t.Log("\twhen generating two values from differently seeded sources")
		{
			v1 := g.GenerateValue(0, 64, rand.New(rand.NewSource(1)))
			v2 := g.GenerateValue(0, 64, rand.New(rand.NewSource(2)))

			msg := "\t\tvalues must differ"
			if !bytes.Equal(v1, v2) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen generating a value of size zero")
		{
			v := g.GenerateValue(0, 0, r)

			msg := "\t\tvalue must be empty but not nil"
			if v != nil && len(v) == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}
	}

}

func TestFixedValueGenerator(t *testing.T) {

	t.Log("given a fixed value generator")
	{
		g := &FixedValueGenerator{}
		r := rand.New(rand.NewSource(42))

		t.Log("\twhen generating values of the same size for different keys")
		{
			v1 := g.GenerateValue(1, 32, r)
			v2 := g.GenerateValue(2, 32, r)

			msg := "\t\tsame value must be returned"
			if bytes.Equal(v1, v2) && len(v1) == 32 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}

		t.Log("\twhen generating a value of another size")
		{
			v := g.GenerateValue(1, 16, r)

			msg := "\t\tvalue must have the other size"
			if len(v) == 16 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, len(v))
			}
		}
	}

}
