package clients

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"scanflow/internal/domain"
)

// Katalogus is the client for the plugin catalog service.
type Katalogus struct {
	base string
	http *http.Client
}

func NewKatalogus(base string) *Katalogus {
	return &Katalogus{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

// BoefjesByTypeAndOrg lists enabled boefjes consuming the given object type
// for an organisation.
func (k *Katalogus) BoefjesByTypeAndOrg(ctx context.Context, objectType, org string) ([]domain.Plugin, error) {
	var plugins []domain.Plugin
	u := joinURL(k.base, "/v1/organisations/"+url.PathEscape(org)+"/plugins",
		url.Values{"type": {"boefje"}, "consumes": {objectType}})
	if err := getJSON(ctx, k.http, "katalogus", u, &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

func (k *Katalogus) Organisations(ctx context.Context) ([]domain.Organisation, error) {
	var orgs []domain.Organisation
	u := joinURL(k.base, "/v1/organisations", nil)
	if err := getJSON(ctx, k.http, "katalogus", u, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// NewBoefjesByOrg lists boefjes added or enabled since the previous call
// for this organisation.
func (k *Katalogus) NewBoefjesByOrg(ctx context.Context, org string) ([]domain.Plugin, error) {
	var plugins []domain.Plugin
	u := joinURL(k.base, "/v1/organisations/"+url.PathEscape(org)+"/plugins/new", nil)
	if err := getJSON(ctx, k.http, "katalogus", u, &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// BoefjeByIDAndOrg returns the plugin, or nil when the catalog no longer
// knows it.
func (k *Katalogus) BoefjeByIDAndOrg(ctx context.Context, id, org string) (*domain.Plugin, error) {
	var plugin domain.Plugin
	u := joinURL(k.base, "/v1/organisations/"+url.PathEscape(org)+"/plugins/"+url.PathEscape(id), nil)
	if err := getJSON(ctx, k.http, "katalogus", u, &plugin); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &plugin, nil
}

// Configs returns the config rows for a boefje in an organisation,
// optionally including the duplicate links into other organisations.
func (k *Katalogus) Configs(ctx context.Context, boefjeID, org string, enabled, withDuplicates bool) ([]domain.BoefjeConfig, error) {
	var configs []domain.BoefjeConfig
	u := joinURL(k.base, "/v1/organisations/"+url.PathEscape(org)+"/settings/"+url.PathEscape(boefjeID),
		url.Values{
			"enabled":         {strconv.FormatBool(enabled)},
			"with_duplicates": {strconv.FormatBool(withDuplicates)},
		})
	if err := getJSON(ctx, k.http, "katalogus", u, &configs); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return configs, nil
}
