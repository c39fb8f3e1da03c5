package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/poselink/errors"
)

func TestServerTLSConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerTLSConfig
		wantErr bool
	}{
		{"disabled ignores fields", ServerTLSConfig{MinVersion: "0.9"}, false},
		{"complete", ServerTLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.3"}, false},
		{"missing key", ServerTLSConfig{Enabled: true, CertFile: "c.pem"}, true},
		{"bad version", ServerTLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.1"}, true},
		{"mtls without CAs", ServerTLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem",
			MTLS: ServerMTLSConfig{Enabled: true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientTLSConfig_Validate(t *testing.T) {
	assert.NoError(t, ClientTLSConfig{}.Validate())
	assert.NoError(t, ClientTLSConfig{Enabled: true, CAFiles: []string{"ca.pem"}}.Validate())

	err := ClientTLSConfig{Enabled: true, MTLS: ClientMTLSConfig{Enabled: true, CertFile: "c.pem"}}.Validate()
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
