package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/config"
)

func TestCredentialsNeverRenderSecrets(t *testing.T) {
	c := Credentials{
		Exchange: contracts.ExchangeNSE, MemberID: "M1",
		Password: "hunter2", APISecret: "s3cr3t", LicenseKey: "LICENSEKEY123456",
	}

	for _, rendered := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c)} {
		assert.NotContains(t, rendered, "hunter2")
		assert.NotContains(t, rendered, "s3cr3t")
		assert.NotContains(t, rendered, "LICENSEKEY")
		assert.Contains(t, rendered, "M1")
	}

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cr3t")
	assert.Contains(t, string(data), redacted)
}

func TestStaticFallback(t *testing.T) {
	s := NewStatic()
	s.Put("", Credentials{Exchange: contracts.ExchangeBSE, MemberID: "DEFAULT"})
	s.Put("ARN-1", Credentials{Exchange: contracts.ExchangeBSE, MemberID: "ADVISOR"})

	c, err := s.Get(context.Background(), contracts.ExchangeBSE, "ARN-1")
	require.NoError(t, err)
	assert.Equal(t, "ADVISOR", c.MemberID)

	c, err = s.Get(context.Background(), contracts.ExchangeBSE, "ARN-2")
	require.NoError(t, err)
	assert.Equal(t, "DEFAULT", c.MemberID)

	_, err = s.Get(context.Background(), contracts.ExchangeNSE, "")
	assert.True(t, errors.Is(err, contracts.ErrGatewayUnauthorized))
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.BSE = config.BSEConfig{Enabled: true, MemberID: "B1", UserID: "u", Password: "p"}

	s := FromConfig(cfg)
	c, err := s.Get(context.Background(), contracts.ExchangeBSE, "")
	require.NoError(t, err)
	assert.Equal(t, "B1", c.MemberID)

	_, err = s.Get(context.Background(), contracts.ExchangeNSE, "")
	assert.Error(t, err)
}
