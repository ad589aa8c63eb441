package emv

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

func TestDefaultPublicKeysMatchChecksums(t *testing.T) {
	keys := DefaultTerminalConfig().PublicKeys
	require.NotEmpty(t, keys)

	for _, k := range keys {
		t.Run(k.ID(), func(t *testing.T) {
			data, err := hex.DecodeString(k.RID + k.Index + k.Modulus + k.Exponent)
			require.NoError(t, err)
			sum := sha1.Sum(data)
			assert.Equal(t, k.Checksum, strings.ToUpper(hex.EncodeToString(sum[:])))
		})
	}
}

func TestDefaultTerminalSubmitsEveryKey(t *testing.T) {
	terminal := DefaultTerminalConfig()
	reqs := terminal.submitPublicKeyRequests()
	require.Len(t, reqs, len(terminal.PublicKeys))

	rids := make(map[string]bool)
	for _, req := range reqs {
		assert.Equal(t, reader.CmdSubmitPublicKey, req.Command)
		assert.NotEmpty(t, req.Params["modulus"])
		rids[req.Params["rid"]] = true
	}
	for _, app := range terminal.Applications[:2] {
		assert.True(t, rids[app.AID[:10]], "no key for %s", app.Label)
	}
}

func TestDefaultTerminalConfigIsNotShared(t *testing.T) {
	a := DefaultTerminalConfig()
	a.PublicKeys[0].Index = "00"
	assert.Equal(t, "92", DefaultTerminalConfig().PublicKeys[0].Index)
}
