package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeWireRoundTrip(t *testing.T) {
	ok := Ok(json.RawMessage(`[{"hostname":"WS1"}]`))
	b, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"data":[{"hostname":"WS1"}]}`, string(b))

	var back Outcome
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.OK())
	assert.JSONEq(t, `[{"hostname":"WS1"}]`, string(back.Data()))

	fail := Fail(KindPermissionDenied, "Access is denied", "UnauthorizedAccessException")
	b, err = json.Marshal(fail)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Err())
	assert.Equal(t, KindPermissionDenied, back.Err().Kind)
	assert.Equal(t, "Access is denied", back.Err().Message)
}

func TestOutcomeRejectsMalformedWire(t *testing.T) {
	cases := map[string]string{
		"missing ok":    `{"data":[]}`,
		"missing error": `{"ok":false}`,
		"unknown kind":  `{"ok":false,"error":{"kind":"Oops","message":"x"}}`,
		"not an object": `[1,2]`,
		"ok wrong type": `{"ok":"yes"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var o Outcome
			assert.Error(t, json.Unmarshal([]byte(raw), &o))
		})
	}
}

func TestZeroOutcomeIsNotOk(t *testing.T) {
	var o Outcome
	assert.False(t, o.OK())
	assert.Nil(t, o.Err())
	_, err := json.Marshal(o)
	assert.Error(t, err)
}

func TestFailNormalizesUnknownKind(t *testing.T) {
	o := Fail(ErrorKind("Bogus"), "m", "")
	assert.Equal(t, KindExternalFailure, o.Kind())
}

func TestOkEmptyDataIsNull(t *testing.T) {
	o := Ok(nil)
	assert.Equal(t, "null", string(o.Data()))
}

func TestDecode(t *testing.T) {
	var out []Machine
	require.NoError(t, Ok(json.RawMessage(`[{"hostname":"WS1"}]`)).Decode(&out))
	assert.Equal(t, []Machine{{Hostname: "WS1"}}, out)

	err := Fail(KindTimeout, "took too long", "").Decode(&out)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindTimeout, f.Kind)
}

func TestMachineOU(t *testing.T) {
	m := Machine{DistinguishedName: `CN=WS\,01,OU=Workstations,DC=corp,DC=local`}
	assert.Equal(t, "OU=Workstations,DC=corp,DC=local", m.OU())
	assert.Equal(t, "", Machine{}.OU())
}

func TestErrorKindsParse(t *testing.T) {
	kinds := ErrorKinds()
	require.Len(t, kinds, 7)
	for _, k := range kinds {
		got, ok := ParseErrorKind(string(k))
		assert.True(t, ok, k)
		assert.Equal(t, k, got)
	}
	_, ok := ParseErrorKind("Unknown")
	assert.False(t, ok)

	var transient []ErrorKind
	for _, k := range kinds {
		if k.Transient() {
			transient = append(transient, k)
		}
	}
	assert.ElementsMatch(t, []ErrorKind{KindTimeout, KindExternalFailure}, transient)
}
