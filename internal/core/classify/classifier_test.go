package classify

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/RegularizePGFN/regularize-bot/internal/core/portal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const submitURL = "https://portal.example/cadastro"

const registrationForm = `<html><body><form>
<label>Nome da mãe</label><input name="nomeMae">
<label>Data de nascimento</label><input name="dataNascimento">
</form></body></html>`

func ok(body string) *portal.Response {
	return &portal.Response{StatusCode: 200, Header: http.Header{}, Body: []byte(body), RequestURL: submitURL, FinalURL: submitURL}
}

func redirect(location, body string) *portal.Response {
	h := http.Header{}
	if location != "" {
		h.Set("Location", location)
	}
	r := &portal.Response{StatusCode: http.StatusFound, Header: h, Body: []byte(body), RequestURL: submitURL, FinalURL: submitURL}
	if loc, ok := r.Location(); ok {
		r.FinalURL = loc.String()
	}
	return r
}

func newClassifier() *Classifier { return New(DefaultRules()) }

func TestRedirectToRootWinsOverContent(t *testing.T) {
	res := newClassifier().Classify(redirect("https://portal.example/", registrationForm))

	assert.True(t, res.Registered())
	assert.Equal(t, MethodRedirect, res.Method)
	assert.Equal(t, "https://portal.example/", res.Evidence)
}

func TestRedirectShapes(t *testing.T) {
	cases := []struct {
		location string
		want     Verdict
	}{
		{"/login", VerdictRegistered},
		{"/login?next=/painel", VerdictRegistered},
		{"/Dashboard/", VerdictRegistered},
		{"https://portal.example/home", VerdictRegistered},
		{"/cadastro/continuar?token=x", VerdictAvailable},
		{"/cadastro/dados", VerdictAvailable},
	}
	c := newClassifier()
	for _, tc := range cases {
		res := c.Classify(redirect(tc.location, ""))
		assert.Equal(t, tc.want, res.Verdict, tc.location)
		assert.Equal(t, MethodRedirect, res.Method, tc.location)
	}
}

func TestRedirectBackToFormIsAvailable(t *testing.T) {
	c := newClassifier()
	for _, loc := range []string{"/cadastro", "/cadastro/", "https://portal.example/cadastro?erro=captcha"} {
		res := c.Classify(redirect(loc, ""))
		assert.Equal(t, VerdictAvailable, res.Verdict, loc)
		assert.Equal(t, MethodRedirect, res.Method, loc)
	}

	res := c.Classify(redirect("/cadastros/antigos", ""))
	assert.NotEqual(t, MethodRedirect, res.Method)
}

func TestRedirectOfUnknownShapeFallsBackToContent(t *testing.T) {
	res := newClassifier().Classify(redirect("/ajuda/faq", "<p>CNPJ já possui cadastro</p>"))

	assert.True(t, res.Registered())
	assert.Equal(t, MethodContent, res.Method)
}

func TestMissingOrMalformedLocationFallsBackToContent(t *testing.T) {
	c := newClassifier()

	res := c.Classify(redirect("", registrationForm))
	assert.Equal(t, VerdictAvailable, res.Verdict)
	assert.Equal(t, MethodContent, res.Method)

	res = c.Classify(redirect("http://[::1", ""))
	assert.Equal(t, VerdictAvailable, res.Verdict)
	assert.Equal(t, MethodUncertain, res.Method)
}

func TestChallengeDefersClassification(t *testing.T) {
	body := `<html><body><form>
<div class="h-captcha" data-sitekey="10000000-ffff-ffff-ffff-000000000001"></div>
<p>Já possui cadastro? Faça login</p></form>
<script src="https://hcaptcha.com/1/api.js" async></script></body></html>`

	res := newClassifier().Classify(ok(body))

	require.Equal(t, VerdictChallenge, res.Verdict)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, KindHCaptcha, res.Challenge.Kind)
	assert.Equal(t, "10000000-ffff-ffff-ffff-000000000001", res.Challenge.SiteKey)
	assert.Equal(t, submitURL, res.Challenge.PageURL)
	assert.Contains(t, res.Evidence, "h-captcha")
}

func TestChallengeSiteKeyFromInlineScript(t *testing.T) {
	body := `<html><body><div id="captcha"></div>
<script>hcaptcha.render('captcha', { sitekey: 'abc-123' });</script></body></html>`

	res := newClassifier().Classify(ok(body))

	require.Equal(t, VerdictChallenge, res.Verdict)
	assert.Equal(t, "abc-123", res.Challenge.SiteKey)
}

func TestRedirectWinsOverChallenge(t *testing.T) {
	res := newClassifier().Classify(redirect("/login", `<div class="h-captcha" data-sitekey="k"></div>`))
	assert.True(t, res.Registered())
	assert.Equal(t, MethodRedirect, res.Method)
}

func TestContentKeywords(t *testing.T) {
	c := newClassifier()

	res := c.Classify(ok("<html><body><h1>Atenção</h1><p>Este CNPJ JA POSSUI CADASTRO na Regularize.</p></body></html>"))
	assert.True(t, res.Registered())
	assert.Equal(t, MethodContent, res.Method)
	assert.Contains(t, res.Evidence, "ja possui cadastro")

	res = c.Classify(ok(registrationForm))
	assert.Equal(t, VerdictAvailable, res.Verdict)
	assert.Equal(t, MethodContent, res.Method)
	assert.Contains(t, res.Evidence, "nome da mae")
}

func TestPlaceholdersCountAsVisibleText(t *testing.T) {
	res := newClassifier().Classify(ok(`<form><input placeholder="Frase de segurança"></form>`))
	assert.Equal(t, VerdictAvailable, res.Verdict)
	assert.Equal(t, MethodContent, res.Method)
}

func TestScriptTextIsIgnored(t *testing.T) {
	res := newClassifier().Classify(ok(`<html><body><p>Bem-vindo</p><script>var msg = "faça login";</script></body></html>`))
	assert.Equal(t, MethodUncertain, res.Method)
}

func TestUncertainDefaultsToAvailable(t *testing.T) {
	c := newClassifier()

	res := c.Classify(ok("<html><body><p>Serviço indisponível no momento</p></body></html>"))
	assert.False(t, res.Registered())
	assert.Equal(t, VerdictAvailable, res.Verdict)
	assert.Equal(t, MethodUncertain, res.Method)

	res = c.Classify(ok("<p>Faça login</p><label>Data de nascimento</label>"))
	assert.Equal(t, VerdictAvailable, res.Verdict)
	assert.Equal(t, MethodUncertain, res.Method)
	assert.Contains(t, res.Evidence, "both markers")
}

func TestEmptyBody(t *testing.T) {
	res := newClassifier().Classify(ok("   \n"))
	assert.Equal(t, VerdictAvailable, res.Verdict)
	assert.Equal(t, MethodUncertain, res.Method)
}

func TestLoadRulesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registered_phrases:\n  - conta existente\n"), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"conta existente"}, rules.RegisteredPhrases)
	assert.Equal(t, DefaultRules().AvailablePhrases, rules.AvailablePhrases)

	res := New(rules).Classify(ok("<p>Conta existente para este CNPJ</p>"))
	assert.True(t, res.Registered())
}

func TestLoadRulesErrors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registered_phrases: [unclosed"), 0o600))
	_, err = LoadRules(path)
	assert.Error(t, err)
}
