package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const formPage = `<html><body>
<form action="/cadastro" method="post">
  <input type="hidden" name="_csrf" value="tok-123">
  <input type="text" name="cpfCnpj">
</form></body></html>`

func newPortal(t *testing.T, submit http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cadastro", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc", Path: "/"})
			_, _ = w.Write([]byte(formPage))
			return
		}
		submit(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("home"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL, FormPath: "/cadastro", Timeout: time.Second})
	require.NoError(t, err)
	return srv, c
}

func TestSubmitDoesNotFollowRedirects(t *testing.T) {
	srv, c := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})

	sess, err := c.NewSession()
	require.NoError(t, err)
	resp, err := sess.Submit(context.Background(), "11222333000144", nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, resp.IsRedirect())
	assert.Equal(t, srv.URL+"/", resp.FinalURL)
	assert.Equal(t, srv.URL+"/cadastro", resp.RequestURL)
}

func TestSessionCarriesCookiesAndHiddenFields(t *testing.T) {
	var gotCookie, gotCSRF, gotID, gotToken string
	_, c := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("JSESSIONID"); err == nil {
			gotCookie = ck.Value
		}
		require.NoError(t, r.ParseForm())
		gotCSRF = r.PostForm.Get("_csrf")
		gotID = r.PostForm.Get("cpfCnpj")
		gotToken = r.PostForm.Get("h-captcha-response")
		_, _ = w.Write([]byte("ok"))
	})

	sess, err := c.NewSession()
	require.NoError(t, err)
	_, err = sess.Load(context.Background(), "11222333000144")
	require.NoError(t, err)
	resp, err := sess.Submit(context.Background(), "11222333000144", map[string][]string{"h-captcha-response": {"solved"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", gotCookie)
	assert.Equal(t, "tok-123", gotCSRF)
	assert.Equal(t, "11222333000144", gotID)
	assert.Equal(t, "solved", gotToken)
}

func TestSessionsAreIsolated(t *testing.T) {
	var cookies []string
	_, c := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie("JSESSIONID")
		if err == nil {
			cookies = append(cookies, ck.Value)
		} else {
			cookies = append(cookies, "")
		}
	})

	first, err := c.NewSession()
	require.NoError(t, err)
	_, err = first.Load(context.Background(), "x")
	require.NoError(t, err)

	second, err := c.NewSession()
	require.NoError(t, err)
	_, err = second.Submit(context.Background(), "x", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{""}, cookies)
}

func TestUnexpectedStatusIsPortalError(t *testing.T) {
	srv, c := newPortal(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	sess, err := c.NewSession()
	require.NoError(t, err)
	_, err = sess.Submit(context.Background(), "11222333000144", nil)

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
	assert.Equal(t, "11222333000144", pe.Identifier)
	assert.Equal(t, srv.URL+"/cadastro", pe.URL)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
}

func TestTimeoutIsFlagged(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	sess, err := c.NewSession()
	require.NoError(t, err)

	_, err = sess.Load(context.Background(), "11222333000144")
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, pe.Timeout)
}

func TestLocationHandlesMissingAndRelative(t *testing.T) {
	r := &Response{StatusCode: 302, Header: http.Header{}, RequestURL: "https://portal.example/cadastro"}
	_, ok := r.Location()
	assert.False(t, ok)

	r.Header.Set("Location", "/login")
	loc, ok := r.Location()
	require.True(t, ok)
	assert.Equal(t, "https://portal.example/login", loc.String())

	r.Header.Set("Location", "http://[::1")
	_, ok = r.Location()
	assert.False(t, ok)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}
