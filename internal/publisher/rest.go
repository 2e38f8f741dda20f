package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/fetch"
	"ecomsimply/internal/ports"
)

// Doer is the subset of the fetch coordinator REST needs.
type Doer interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// REST talks to a storefront exposing a JSON product API:
//
//	POST   {endpoint}/products        Idempotency-Key header
//	PUT    {endpoint}/products/{id}
//	DELETE {endpoint}/products/{id}
//	GET    {endpoint}/health
type REST struct {
	storeType domain.StoreType
	endpoint  string
	apiKey    string
	client    Doer
}

var _ ports.Publisher = (*REST)(nil)

func NewREST(storeType domain.StoreType, profile Profile, client Doer) *REST {
	return &REST{
		storeType: storeType,
		endpoint:  strings.TrimRight(profile.Endpoint, "/"),
		apiKey:    profile.APIKey,
		client:    client,
	}
}

func (r *REST) StoreType() domain.StoreType { return r.storeType }

type restProduct struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Price       string            `json:"price"`
	Currency    string            `json:"currency"`
	Images      []domain.Image    `json:"images,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Stock       int               `json:"stock"`
}

type restReply struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (r *REST) Publish(ctx context.Context, p domain.Product, key string) (ports.PublishResult, error) {
	h := http.Header{}
	h.Set("Idempotency-Key", key)
	return r.send(ctx, http.MethodPost, r.endpoint+"/products", &p, h)
}

func (r *REST) Update(ctx context.Context, externalID string, p domain.Product) (ports.PublishResult, error) {
	return r.send(ctx, http.MethodPut, r.endpoint+"/products/"+url.PathEscape(externalID), &p, http.Header{})
}

func (r *REST) Delete(ctx context.Context, externalID string) error {
	res, err := r.send(ctx, http.MethodDelete, r.endpoint+"/products/"+url.PathEscape(externalID), nil, http.Header{})
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("delete %s: %w", externalID, domain.ErrProductNotFound)
	}
	if !res.Success {
		return fmt.Errorf("delete %s: %s", externalID, res.Error)
	}
	return nil
}

func (r *REST) HealthCheck(ctx context.Context) error {
	resp, err := r.client.Do(ctx, fetch.Request{Method: http.MethodGet, URL: r.endpoint + "/health", Header: r.headers(http.Header{})})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublisherUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: health status %d", domain.ErrPublisherUnavailable, resp.StatusCode)
	}
	return nil
}

func (r *REST) headers(h http.Header) http.Header {
	h.Set("Accept", "application/json")
	if r.apiKey != "" {
		h.Set("Authorization", "Bearer "+r.apiKey)
	}
	return h
}

func (r *REST) send(ctx context.Context, method, u string, p *domain.Product, h http.Header) (ports.PublishResult, error) {
	req := fetch.Request{Method: method, URL: u, Header: r.headers(h)}
	if p != nil {
		body, err := json.Marshal(restProduct{
			Title:       p.Title,
			Description: p.Description,
			Price:       p.Price.Amount.StringFixed(2),
			Currency:    p.Price.Currency,
			Images:      p.Images,
			Attributes:  p.Attributes,
			Tags:        p.Tags,
			Stock:       p.Stock,
		})
		if err != nil {
			return ports.PublishResult{}, err
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(ctx, req)
	if resp == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		return ports.PublishResult{}, fmt.Errorf("%w: %s %s: %v", domain.ErrPublisherUnavailable, method, u, err)
	}
	return decodeReply(resp), nil
}

func decodeReply(resp *fetch.Response) ports.PublishResult {
	var reply restReply
	_ = json.Unmarshal(resp.Body, &reply)

	res := ports.PublishResult{
		StatusCode: resp.StatusCode,
		ExternalID: reply.ID,
		Status:     reply.Status,
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Success = true
		if res.Status == "" {
			res.Status = strings.ToLower(http.StatusText(resp.StatusCode))
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		res.Status = "throttled"
		res.Error = "rate_limit: platform throttled the request"
	default:
		msg := reply.Error
		if msg == "" {
			msg = reply.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		res.Status = "error"
		res.Error = fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
	}
	return res
}
