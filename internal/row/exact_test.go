package row

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendExact_DistinguishesNormalizationForms(t *testing.T) {
	nfd := AppendExact(nil, String("cafe\u0301"))
	nfc := AppendExact(nil, String("caf\u00e9"))

	assert.NotEqual(t, nfc, nfd)
}

func TestAppendExact_KeepsInvalidUTF8(t *testing.T) {
	bad := AppendExact(nil, String("a\xffb"))
	replaced := AppendExact(nil, String("a\uFFFDb"))

	assert.NotEqual(t, bad, replaced)
	assert.Equal(t, []byte("s\x03a\xffb"), bad)
}

func TestAppendExact_KindSensitive(t *testing.T) {
	values := []Value{Null{}, String("1"), Int(1), Float(1), Bool(true), Bool(false)}
	seen := map[string]Value{}
	for _, v := range values {
		enc := string(AppendExact(nil, v))
		prev, dup := seen[enc]
		assert.False(t, dup, "%#v and %#v encode the same", v, prev)
		seen[enc] = v
	}
}

func TestAppendExact_SelfDelimiting(t *testing.T) {
	// ("ab","c") and ("a","bc") must not collide when concatenated.
	a := AppendExact(AppendExact(nil, String("ab")), String("c"))
	b := AppendExact(AppendExact(nil, String("a")), String("bc"))

	assert.NotEqual(t, a, b)
}

func TestMarshalExact_ColumnOrderIndependent(t *testing.T) {
	a := Row{"id": Int(1), "val": String("x")}
	b := Row{"val": String("x"), "id": Int(1)}

	assert.Equal(t, MarshalExact(a), MarshalExact(b))
	assert.NotEqual(t, MarshalExact(a), MarshalExact(Row{"id": Int(1), "val": String("y")}))
}
