package signaling

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOfferSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := map[string]messageKind{
		`{"type":"offer","sdp":"v=0"}`: kindOffer,
		`{"type":"ANSWER"}`:            kindAnswer,
		`{"type":"candidate"}`:         kindCandidate,
		`{"type":"ice-candidate"}`:     kindCandidate,
		`{"type":"hangup"}`:            kindBye,
		`{"type":"chat","text":"hi"}`:  kindOther,
		`"just a string"`:              kindOther,
		`[1,2,3]`:                      kindOther,
	}
	for payload, want := range cases {
		assert.Equal(t, want, classify([]byte(payload)), "classify(%s)", payload)
	}
}

func TestInspect_FlatOffer(t *testing.T) {
	t.Parallel()

	sig, err := inspect([]byte(`{"type":"offer","sdp":"` + jsonEscape(testOfferSDP) + `"}`))
	require.NoError(t, err)
	assert.Equal(t, kindOffer, sig.Kind)
	require.NotNil(t, sig.Description)
	assert.Equal(t, webrtc.SDPTypeOffer, sig.Description.Type)
	assert.Equal(t, testOfferSDP, sig.Description.SDP)
}

func TestInspect_NestedAnswer(t *testing.T) {
	t.Parallel()

	sig, err := inspect([]byte(`{"type":"answer","sdp":{"type":"answer","sdp":"` + jsonEscape(testOfferSDP) + `"}}`))
	require.NoError(t, err)
	require.NotNil(t, sig.Description)
	assert.Equal(t, webrtc.SDPTypeAnswer, sig.Description.Type)
}

func TestInspect_CandidateForms(t *testing.T) {
	t.Parallel()

	nested := `{
		"type":"candidate",
		"candidate":{
			"candidate":"candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`
	sig, err := inspect([]byte(nested))
	require.NoError(t, err, "nested")
	require.NotNil(t, sig.Candidate)
	require.NotNil(t, sig.Candidate.SDPMid)
	assert.Equal(t, "0", *sig.Candidate.SDPMid)

	flat := `{"type":"candidate","candidate":"candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host","sdpMLineIndex":0}`
	sig, err = inspect([]byte(flat))
	require.NoError(t, err, "flat")
	require.NotNil(t, sig.Candidate)
	require.NotNil(t, sig.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *sig.Candidate.SDPMLineIndex)

	_, err = inspect([]byte(`{"type":"candidate","candidate":{"candidate":""}}`))
	assert.NoError(t, err, "end-of-candidates")
}

func TestInspect_PassesOtherTypes(t *testing.T) {
	t.Parallel()

	sig, err := inspect([]byte(`{"type":"bye"}`))
	require.NoError(t, err)
	assert.Equal(t, kindBye, sig.Kind)

	sig, err = inspect([]byte(`{"type":"mute","audio":false}`))
	require.NoError(t, err)
	assert.Equal(t, kindOther, sig.Kind)
}

func TestInspect_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not an object":       `"offer"`,
		"missing type":        `{"sdp":"v=0"}`,
		"offer without sdp":   `{"type":"offer"}`,
		"offer empty sdp":     `{"type":"offer","sdp":""}`,
		"offer garbage sdp":   `{"type":"offer","sdp":"hello world"}`,
		"offer truncated sdp": `{"type":"offer","sdp":"v=0\r\n"}`,
		"mismatched sdp type": `{"type":"offer","sdp":{"type":"answer","sdp":"` + jsonEscape(testOfferSDP) + `"}}`,
		"sdp wrong shape":     `{"type":"answer","sdp":42}`,
		"candidate missing":   `{"type":"candidate"}`,
		"candidate malformed": `{"type":"candidate","candidate":{"candidate":"nope","sdpMid":"0"}}`,
		"candidate no mid":    `{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 192.0.2.1 9 typ host"}}`,
		"candidate wrong":     `{"type":"candidate","candidate":7}`,
	}
	for name, payload := range cases {
		_, err := inspect([]byte(payload))
		assert.ErrorIs(t, err, errBadMessage, name)
	}
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r':
			out = append(out, '\\', 'r')
		case '\n':
			out = append(out, '\\', 'n')
		case '"':
			out = append(out, '\\', '"')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
