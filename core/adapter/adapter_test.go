package adapter

import (
	"context"
	"encoding/json"
	"io"
	"llm-keypool/models"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func chatServer(t *testing.T, status int, reply string, captured *models.ChatCompletionRequest, auth *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			io.WriteString(w, reply)
			return
		}
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Choices: []models.ChatCompletionChoice{{Message: models.ChatMessage{Role: "assistant", Content: reply}}},
		})
	}))
}

func TestChatAdapter_TextRequest(t *testing.T) {
	var got models.ChatCompletionRequest
	var auth string
	ts := chatServer(t, http.StatusOK, "<think>hmm</think>\n\nhello", &got, &auth)
	defer ts.Close()

	temp := 0.1
	a, err := NewSiliconFlowAdapter(ChatConfig{
		Name:        "siliconflow",
		Endpoint:    ts.URL,
		Models:      []string{"deepseek-ai/DeepSeek-R1-0528-Qwen3-8B"},
		Temperature: &temp,
	}, ts.Client(), testLogger())
	require.NoError(t, err)

	text, err := a.Invoke(context.Background(), "sk-abc", models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "Bearer sk-abc", auth)

	assert.Equal(t, "deepseek-ai/DeepSeek-R1-0528-Qwen3-8B", got.Model)
	assert.False(t, got.Stream)
	require.NotNil(t, got.EnableThinking)
	assert.False(t, *got.EnableThinking)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].StringContent())
}

func TestChatAdapter_VisionRequest(t *testing.T) {
	var got models.ChatCompletionRequest
	ts := chatServer(t, http.StatusOK, "same", &got, nil)
	defer ts.Close()

	a, err := NewSiliconFlowAdapter(ChatConfig{
		Name:     "siliconflow",
		Endpoint: ts.URL,
		Models:   []string{"THUDM/GLM-4.1V-9B-Thinking"},
	}, ts.Client(), testLogger())
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "sk-abc", models.AnalysisRequest{
		Prompt: "compare",
		Images: []string{"AAAA", "data:image/png;base64,BBBB"},
	})
	require.NoError(t, err)

	assert.Nil(t, got.EnableThinking, "vision calls keep thinking enabled")
	parts, ok := got.Messages[0].Content.([]interface{})
	require.True(t, ok)
	require.Len(t, parts, 3)

	first := parts[0].(map[string]interface{})
	assert.Equal(t, "image_url", first["type"])
	assert.Equal(t, "data:image/jpeg;base64,AAAA", first["image_url"].(map[string]interface{})["url"])
	second := parts[1].(map[string]interface{})
	assert.Equal(t, "data:image/png;base64,BBBB", second["image_url"].(map[string]interface{})["url"])
	assert.Equal(t, "compare", parts[2].(map[string]interface{})["text"])
}

func TestChatAdapter_UpstreamErrorCarriesStatus(t *testing.T) {
	ts := chatServer(t, http.StatusTooManyRequests, `{"error":{"code":"1302","message":"您当前使用该API的并发数过高"}}`, nil, nil)
	defer ts.Close()

	a, err := NewChatAdapter(ChatConfig{Name: "x", Endpoint: ts.URL, Models: []string{"m"}}, ts.Client(), testLogger())
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "k", models.AnalysisRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "upstream 429: "))
	assert.Contains(t, err.Error(), "1302")
}

func TestChatAdapter_LongChineseErrorStaysValidUTF8(t *testing.T) {
	body := "x" + strings.Repeat("并发数过高", 100)
	ts := chatServer(t, http.StatusTooManyRequests, body, nil, nil)
	defer ts.Close()

	a, err := NewChatAdapter(ChatConfig{Name: "x", Endpoint: ts.URL, Models: []string{"m"}}, ts.Client(), testLogger())
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "k", models.AnalysisRequest{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.LessOrEqual(t, len(err.Error()), len("upstream 429: ")+300)
}

func TestChatAdapter_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"x","choices":[]}`)
	}))
	defer ts.Close()

	a, err := NewChatAdapter(ChatConfig{Name: "x", Endpoint: ts.URL, Models: []string{"m"}}, ts.Client(), testLogger())
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "k", models.AnalysisRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestChatAdapter_ContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	a, err := NewChatAdapter(ChatConfig{Name: "x", Endpoint: ts.URL, Models: []string{"m"}}, ts.Client(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Invoke(ctx, "k", models.AnalysisRequest{Prompt: "p"})
	assert.Error(t, err)
}

func TestNewChatAdapter_Validation(t *testing.T) {
	_, err := NewChatAdapter(ChatConfig{Name: "x", Models: []string{"m"}}, nil, nil)
	assert.Error(t, err)
	_, err = NewChatAdapter(ChatConfig{Name: "x", Endpoint: "http://localhost"}, nil, nil)
	assert.Error(t, err)

	a, err := New("zhipu", ChatConfig{Name: "zhipu", Models: []string{"glm-z1-flash"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ZhipuEndpoint, a.cfg.Endpoint)
}

func TestZhipuJWTAuth_SignsAndCaches(t *testing.T) {
	auth := NewZhipuJWTAuth()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	auth.nowFunc = func() time.Time { return now }

	tok, err := auth.Token("myid.mysecret")
	require.NoError(t, err)

	parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
		return []byte("mysecret"), nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	assert.Equal(t, "SIGN", parsed.Header["sign_type"])
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "myid", claims["api_key"])
	assert.EqualValues(t, now.UnixMilli(), claims["timestamp"])

	again, err := auth.Token("myid.mysecret")
	require.NoError(t, err)
	assert.Equal(t, tok, again)

	now = now.Add(ZhipuTokenTTL)
	renewed, err := auth.Token("myid.mysecret")
	require.NoError(t, err)
	assert.NotEqual(t, tok, renewed)
}

func TestZhipuJWTAuth_PlainAndInvalidKeys(t *testing.T) {
	auth := NewZhipuJWTAuth()

	tok, err := auth.Token("plain-token")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", tok)

	_, err = auth.Token("a.b.c")
	assert.ErrorIs(t, err, ErrInvalidZhipuKey)
	_, err = auth.Token(".secret")
	assert.ErrorIs(t, err, ErrInvalidZhipuKey)
}
