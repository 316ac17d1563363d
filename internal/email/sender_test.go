package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"device-auth-service/internal/config"
	"device-auth-service/internal/otp"
)

func testConfig(url string) config.EmailConfig {
	return config.EmailConfig{
		APIURL:     url,
		ServiceID:  "svc",
		TemplateID: "tpl",
		PublicKey:  "pub",
		Timeout:    time.Second,
	}
}

var testMessage = otp.Message{ToEmail: "ana@example.com", ToName: "Ana", Code: "123456", ExpiresInMinutes: 5}

func TestHTTPSenderPostsTemplate(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, s.SendCode(context.Background(), testMessage))

	assert.Equal(t, "svc", got["service_id"])
	assert.Equal(t, "tpl", got["template_id"])
	assert.Equal(t, "pub", got["user_id"])
	params := got["template_params"].(map[string]interface{})
	assert.Equal(t, "ana@example.com", params["to_email"])
	assert.Equal(t, "Ana", params["to_name"])
	assert.Equal(t, "123456", params["passcode"])
	assert.EqualValues(t, 5, params["expires_in"])
}

func TestHTTPSenderReportsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewHTTPSender(testConfig(srv.URL), zap.NewNop()).SendCode(context.Background(), testMessage)
	assert.ErrorContains(t, err, "400")
	assert.ErrorContains(t, err, "template not found")
}

func TestHTTPSenderRequiresConfig(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.PublicKey = ""
	err := NewHTTPSender(cfg, zap.NewNop()).SendCode(context.Background(), testMessage)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type recordingProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (p *recordingProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return p.err
}

func TestKafkaSenderQueuesDecodableJob(t *testing.T) {
	p := &recordingProducer{}
	s := NewKafkaSender(p, "otp-email", zap.NewNop())
	require.NoError(t, s.SendCode(context.Background(), testMessage))

	assert.Equal(t, "otp-email", p.topic)
	assert.Equal(t, []byte("ana@example.com"), p.key)
	assert.Equal(t, "otp_email", p.headers["job"])

	msg, err := DecodeJob(p.value)
	require.NoError(t, err)
	assert.Equal(t, testMessage, msg)
}

func TestKafkaSenderWrapsBrokerError(t *testing.T) {
	p := &recordingProducer{err: errors.New("no brokers")}
	err := NewKafkaSender(p, "otp-email", zap.NewNop()).SendCode(context.Background(), testMessage)
	assert.ErrorContains(t, err, "no brokers")
}

func TestDecodeJobRejectsIncomplete(t *testing.T) {
	_, err := DecodeJob([]byte(`{"to_email":"a@example.com"}`))
	assert.Error(t, err)
	_, err = DecodeJob([]byte(`nope`))
	assert.Error(t, err)
}
