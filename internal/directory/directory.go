// Package directory exposes the CRM collaborators the messaging core depends
// on: the user directory (quota overrides, WhatsApp contact info) and the
// template catalog (provider template name, channel, approval).
package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type User struct {
	ID                 string
	Email              string
	Name               string
	DailyWhatsAppLimit *int // nil means use the system default
	CountryCodeWA      string
	WhatsAppNumber     string
}

type Template struct {
	ID                 string
	Name               string
	ProviderTemplateID string // provider-side template name ("intent")
	ChannelID          string
	Category           string
	Language           string
	IsApproved         bool
}

type TemplateFilter struct {
	IsApproved *bool
	ChannelID  string
	Category   string
	Language   string
}

type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (User, bool, error)
}

type TemplateCatalog interface {
	GetTemplate(ctx context.Context, templateID string) (Template, bool, error)
	ListTemplates(ctx context.Context, f TemplateFilter) ([]Template, error)
}

// PG serves both interfaces from the CRM's relational tables.
type PG struct {
	DB *pgxpool.Pool
}

func NewPG(db *pgxpool.Pool) *PG { return &PG{DB: db} }

func (p *PG) GetUser(ctx context.Context, userID string) (User, bool, error) {
	return p.getUser(ctx, `WHERE id=$1`, userID)
}

func (p *PG) GetUserByEmail(ctx context.Context, email string) (User, bool, error) {
	return p.getUser(ctx, `WHERE email=$1`, email)
}

func (p *PG) getUser(ctx context.Context, where, arg string) (User, bool, error) {
	var u User
	row := p.DB.QueryRow(ctx, `
		SELECT id, email, COALESCE(name,''), daily_whatsapp_limit,
		       COALESCE(country_code_whatsapp,''), COALESCE(whatsapp_number,'')
		FROM users `+where, arg)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.DailyWhatsAppLimit,
		&u.CountryCodeWA, &u.WhatsAppNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, false, nil
		}
		return User{}, false, err
	}
	return u, true, nil
}

func (p *PG) GetTemplate(ctx context.Context, templateID string) (Template, bool, error) {
	var t Template
	row := p.DB.QueryRow(ctx, `
		SELECT id, COALESCE(name,''), COALESCE(provider_template_id,''),
		       COALESCE(channel_id,''), COALESCE(category,''), COALESCE(language,''),
		       is_approved
		FROM whatsapp_templates WHERE id=$1
	`, templateID)
	err := row.Scan(&t.ID, &t.Name, &t.ProviderTemplateID, &t.ChannelID,
		&t.Category, &t.Language, &t.IsApproved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Template{}, false, nil
		}
		return Template{}, false, err
	}
	return t, true, nil
}

func (p *PG) ListTemplates(ctx context.Context, f TemplateFilter) ([]Template, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, COALESCE(name,''), COALESCE(provider_template_id,''),
		       COALESCE(channel_id,''), COALESCE(category,''), COALESCE(language,''),
		       is_approved
		FROM whatsapp_templates
		WHERE ($1::boolean IS NULL OR is_approved=$1)
		  AND ($2='' OR channel_id=$2)
		  AND ($3='' OR category=$3)
		  AND ($4='' OR language=$4)
		ORDER BY name
	`, f.IsApproved, f.ChannelID, f.Category, f.Language)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.ProviderTemplateID, &t.ChannelID,
			&t.Category, &t.Language, &t.IsApproved); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
