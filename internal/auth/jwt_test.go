package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newProtected() *echo.Echo {
	e := echo.New()
	skip := func(c echo.Context) bool { return c.Request().URL.Path == "/ping" }
	e.Use(JWTMiddleware(testSecret, skip), RequireAdmin(skip))
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/stickers", func(c echo.Context) error {
		subject, err := SubjectFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, subject)
	})
	return e
}

func do(e *echo.Echo, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateTokenClaims(t *testing.T) {
	token, expiresAt, err := GenerateToken("admin", testSecret, time.Hour)
	require.NoError(t, err)

	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "admin", claims[claimSubject])
	assert.Equal(t, adminScope, claims[claimScope])
	assert.Equal(t, expiresAt.Unix(), int64(claims["exp"].(float64)))
}

func TestGenerateTokenValidation(t *testing.T) {
	_, _, err := GenerateToken("", testSecret, time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("admin", " ", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("admin", testSecret, 0)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	e := newProtected()

	assert.Equal(t, http.StatusOK, do(e, "/ping", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, "/api/stickers", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, "/api/stickers", "garbage").Code)

	token, _, err := GenerateToken("admin", testSecret, time.Hour)
	require.NoError(t, err)
	rec := do(e, "/api/stickers", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", rec.Body.String())

	rec = do(e, "/api/stickers?token="+token, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	other, _, err := GenerateToken("admin", "another-secret", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(e, "/api/stickers", other).Code)
}

func TestRequireAdminRejectsForeignTokens(t *testing.T) {
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "someone",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := foreign.SignedString([]byte(testSecret))
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, do(newProtected(), "/api/stickers", signed).Code)
}
