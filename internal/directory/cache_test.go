package directory

import (
	"context"
	"testing"
	"time"
)

type countingDir struct {
	userCalls int
	tplCalls  int
}

func (d *countingDir) GetUser(context.Context, string) (User, bool, error) {
	d.userCalls++
	return User{ID: "u1", Email: "u1@crm.test"}, true, nil
}

func (d *countingDir) GetUserByEmail(context.Context, string) (User, bool, error) {
	d.userCalls++
	return User{ID: "u1", Email: "u1@crm.test"}, true, nil
}

func (d *countingDir) GetTemplate(context.Context, string) (Template, bool, error) {
	d.tplCalls++
	return Template{ID: "tpl-1", IsApproved: true}, true, nil
}

func (d *countingDir) ListTemplates(context.Context, TemplateFilter) ([]Template, error) {
	d.tplCalls++
	return nil, nil
}

func TestCachedServesRepeatLookupsFromMemory(t *testing.T) {
	ctx := context.Background()
	src := &countingDir{}
	c := NewCached(src, src, time.Minute)

	for i := 0; i < 3; i++ {
		u, found, err := c.GetUser(ctx, "u1")
		if err != nil || !found || u.ID != "u1" {
			t.Fatalf("get user: found=%v err=%v", found, err)
		}
	}
	if src.userCalls != 1 {
		t.Fatalf("expected a single backing lookup, got %d", src.userCalls)
	}

	for i := 0; i < 3; i++ {
		if _, _, err := c.GetTemplate(ctx, "tpl-1"); err != nil {
			t.Fatalf("get template: %v", err)
		}
	}
	if src.tplCalls != 1 {
		t.Fatalf("expected a single backing template lookup, got %d", src.tplCalls)
	}

	// listing stays uncached
	if _, err := c.ListTemplates(ctx, TemplateFilter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := c.ListTemplates(ctx, TemplateFilter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if src.tplCalls != 3 {
		t.Fatalf("listing must hit the backing catalog every time, got %d calls", src.tplCalls)
	}
}
