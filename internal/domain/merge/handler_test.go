package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/domain/identity"
)

func newHandlerFixture() (*engineFixture, *Handler, *echo.Echo) {
	f := newEngineFixture()
	return f, NewHandler(f.engine), echo.New()
}

func TestHandler_MergeIdentities(t *testing.T) {
	f, h, e := newHandlerFixture()
	a := f.seed(t, "Maria", "Gonzalez")
	b := f.seed(t, "Maria", "Gonzales")

	body := fmt.Sprintf(`{"master_id":%q,"duplicate_id":%q}`, a.ID, b.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/merges", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.MergeIdentities(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var master identity.Identity
	json.Unmarshal(rec.Body.Bytes(), &master)
	if master.ID != a.ID {
		t.Errorf("expected the surviving master %s, got %s", a.ID, master.ID)
	}
	dup := f.get(t, b.ID)
	if dup.Status != identity.StatusDuplicate {
		t.Errorf("expected DUPLICATE, got %s", dup.Status)
	}
}

func TestHandler_MergeIdentities_MissingIDs(t *testing.T) {
	_, h, e := newHandlerFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/merges", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.MergeIdentities(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_MergeIdentities_SelfMergeConflict(t *testing.T) {
	f, h, e := newHandlerFixture()
	a := f.seed(t, "Maria", "Gonzalez")

	body := fmt.Sprintf(`{"master_id":%q,"duplicate_id":%q}`, a.ID, a.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/merges", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.MergeIdentities(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_UnlinkIdentity(t *testing.T) {
	f, h, e := newHandlerFixture()
	a := f.seed(t, "Ivan", "Petrov")
	b := f.seed(t, "Ivan", "Petroff")
	if _, err := f.engine.Merge(context.Background(), a.ID, b.ID, "tester"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())

	if err := h.UnlinkIdentity(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var restored identity.Identity
	json.Unmarshal(rec.Body.Bytes(), &restored)
	if restored.Status != identity.StatusActive || restored.MasterID != nil {
		t.Errorf("expected a restored standalone record, got %+v", restored)
	}
}

func TestHandler_ListLinked(t *testing.T) {
	f, h, e := newHandlerFixture()
	a := f.seed(t, "Grace", "Chen")
	b := f.seed(t, "Grace", "Chan")
	if _, err := f.engine.Merge(context.Background(), a.ID, b.ID, "tester"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.ListLinked(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var linked []*identity.Identity
	json.Unmarshal(rec.Body.Bytes(), &linked)
	if len(linked) != 1 || linked[0].ID != b.ID {
		t.Errorf("expected the one merged duplicate, got %+v", linked)
	}
}

func TestHandler_ListLinked_NotFound(t *testing.T) {
	_, h, e := newHandlerFixture()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.ListLinked(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
