package credential

import (
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestServerServesOnceThenRejects(t *testing.T) {
	s, err := New("gha-jitconfig-url", "super-secret-jit-config")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	base := fmt.Sprintf("http://127.0.0.1:%d", s.Port())

	resp, err := http.Get(base + "/" + s.Token())
	if err != nil {
		t.Fatalf("first GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first GET status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "super-secret-jit-config\n" {
		t.Fatalf("body = %q", body)
	}

	resp2, err := http.Get(base + "/" + s.Token())
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("second GET status = %d, want 400", resp2.StatusCode)
	}
}

func TestServerRejectsWrongToken(t *testing.T) {
	s, err := New("gha-jitconfig-url", "super-secret-jit-config")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	base := fmt.Sprintf("http://127.0.0.1:%d", s.Port())

	for _, path := range []string{"/", "/wrong-token"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("GET %s status = %d, want 403", path, resp.StatusCode)
		}
	}
}
