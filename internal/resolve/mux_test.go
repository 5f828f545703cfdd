package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/viewerboot/internal/viewer"
)

func named(name string) viewer.Resolver {
	return viewer.ResolverFunc(func(_ context.Context, raw, token string) ([]viewer.ResourceRef, error) {
		return []viewer.ResourceRef{{URL: name + "|" + raw, Token: token}}, nil
	})
}

func TestMux_DispatchesByScheme(t *testing.T) {
	m := &Mux{ByScheme: map[string]viewer.Resolver{"s3": named("s3"), "https": named("http")}}

	refs, err := m.Resolve(context.Background(), "S3://bucket/p/", "")
	if err != nil || refs[0].URL != "s3|S3://bucket/p/" {
		t.Fatalf("refs = %v, err = %v", refs, err)
	}
	refs, err = m.Resolve(context.Background(), "https://h/x", "t")
	if err != nil || refs[0].URL != "http|https://h/x" || refs[0].Token != "t" {
		t.Fatalf("refs = %v, err = %v", refs, err)
	}
	if _, err := m.Resolve(context.Background(), "gopher://h/x", ""); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestMux_Default(t *testing.T) {
	m := &Mux{Default: named("default")}
	refs, err := m.Resolve(context.Background(), "file.ifc", "")
	if err != nil || refs[0].URL != "default|file.ifc" {
		t.Fatalf("refs = %v, err = %v", refs, err)
	}
}

func TestWithDefaultToken(t *testing.T) {
	r := WithDefaultToken(named("x"), "fallback", "https://models.example.com")

	cases := []struct {
		url, token, want string
	}{
		{"https://models.example.com/projects/p/models/m", "", "fallback"},
		{"HTTPS://Models.Example.com/streams/s/objects/o", "", "fallback"},
		{"https://models.example.com/a.ifc", "explicit", "explicit"},
		{"https://attacker.example/x.ifc", "", ""},
		{"http://models.example.com/a.ifc", "", ""},
		{"https://models.example.com:8443/a.ifc", "", ""},
		{"http://169.254.169.254/latest/meta-data", "", ""},
		{"s3://models/site/", "", ""},
	}
	for _, tc := range cases {
		refs, err := r.Resolve(context.Background(), tc.url, tc.token)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.url, err)
		}
		if refs[0].Token != tc.want {
			t.Errorf("Resolve(%q) token = %q, want %q", tc.url, refs[0].Token, tc.want)
		}
	}
}

func TestWithDefaultToken_NoOrigin(t *testing.T) {
	r := WithDefaultToken(named("x"), "fallback", "")
	refs, _ := r.Resolve(context.Background(), "https://models.example.com/a.ifc", "")
	if refs[0].Token != "" {
		t.Fatalf("token = %q, want none without an origin", refs[0].Token)
	}
}

func TestRestrictHosts(t *testing.T) {
	r := RestrictHosts(named("x"), []string{"models.example.com", " CDN.example.com:8443 "})

	for _, ok := range []string{
		"https://models.example.com/a.ifc",
		"https://cdn.example.com:8443/b.ifc",
		"s3://models/site/",
	} {
		if _, err := r.Resolve(context.Background(), ok, ""); err != nil {
			t.Errorf("Resolve(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{
		"https://attacker.example/x.ifc",
		"http://169.254.169.254/latest/meta-data",
		"https://cdn.example.com/b.ifc",
	} {
		if _, err := r.Resolve(context.Background(), bad, ""); !errors.Is(err, ErrHostNotAllowed) {
			t.Errorf("Resolve(%q) err = %v, want ErrHostNotAllowed", bad, err)
		}
	}
}

func TestRestrictHosts_EmptyAllowsAny(t *testing.T) {
	r := RestrictHosts(named("x"), nil)
	if _, err := r.Resolve(context.Background(), "https://anywhere.example/a.ifc", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestWithBaseURL(t *testing.T) {
	r, err := WithBaseURL(named("x"), "https://models.example.com")
	if err != nil {
		t.Fatalf("WithBaseURL: %v", err)
	}
	cases := map[string]string{
		"/projects/p/models/m":     "x|https://models.example.com/projects/p/models/m",
		"https://other.example/a":  "x|https://other.example/a",
		"s3://bucket/key.ifc":      "x|s3://bucket/key.ifc",
		"blob:viewerboot/abc-1234": "x|blob:viewerboot/abc-1234",
	}
	for in, want := range cases {
		refs, err := r.Resolve(context.Background(), in, "")
		if err != nil || refs[0].URL != want {
			t.Errorf("Resolve(%q) = %v, %v; want %s", in, refs, err, want)
		}
	}
}

func TestWithBaseURL_Empty(t *testing.T) {
	inner := named("x")
	r, err := WithBaseURL(inner, "")
	if err != nil {
		t.Fatalf("WithBaseURL: %v", err)
	}
	refs, _ := r.Resolve(context.Background(), "rel", "")
	if refs[0].URL != "x|rel" {
		t.Fatalf("url = %q", refs[0].URL)
	}
	if _, err := WithBaseURL(inner, "not a url"); err == nil {
		t.Fatal("expected error for bare base")
	}
}

// SSM

type fakeSSM struct {
	value   *string
	err     error
	decrypt bool
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.decrypt = aws.ToBool(in.WithDecryption)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: f.value}}, nil
}

func TestSSMToken(t *testing.T) {
	api := &fakeSSM{value: aws.String("  tok-123\n")}
	tok, err := SSMToken(context.Background(), api, "/viewer/token")
	if err != nil {
		t.Fatalf("SSMToken: %v", err)
	}
	if tok != "tok-123" {
		t.Fatalf("token = %q", tok)
	}
	if !api.decrypt {
		t.Fatal("WithDecryption not requested")
	}
}

func TestSSMToken_Errors(t *testing.T) {
	for name, api := range map[string]*fakeSSM{
		"call fails": {err: errors.New("ParameterNotFound")},
		"nil value":  {},
		"blank":      {value: aws.String("   ")},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := SSMToken(context.Background(), api, "/viewer/token"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
