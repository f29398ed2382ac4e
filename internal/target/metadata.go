// Package target talks the asset-management platform's APIs: technical
// object metadata sync, external-id resolution and bulk file upload.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/source"
)

// MeasuringNode is one monitored channel of a technical object, as reported
// by the metadata sync service.
type MeasuringNode struct {
	IndicatorID     string `json:"indicatorId"`
	CategoryName    string `json:"categoryName"`
	DataType        string `json:"dataType"`
	MeasuringNodeID string `json:"measuringNodeId"`
	SyncStatus      string `json:"syncStatus"`
}

// TechnicalObjectSync is the metadata sync state of one technical object,
// including its measuring-node cross reference.
type TechnicalObjectSync struct {
	Number                    string          `json:"number"`
	SSID                      string          `json:"SSID"`
	Type                      string          `json:"type"`
	ManagedObjectID           string          `json:"managedObjectId"`
	TechnicalObjectSyncStatus string          `json:"technicalObjectSyncStatus"`
	Indicators                []MeasuringNode `json:"indicators"`
}

// TechnicalObjectRef identifies a technical object on the target side.
type TechnicalObjectRef struct {
	Number string `json:"number"`
	Type   string `json:"type"`
	SSID   string `json:"SSID"`
}

// apmType maps source technical-object types onto the platform's notation.
func apmType(toType string) string {
	if toType == "EQU" {
		return "EQUI"
	}
	return toType
}

// MetadataClient resolves source identities against the target platform.
type MetadataClient struct {
	metadataURL   string
	externalIDURL string
	apiKey        string
	tokens        source.TokenProvider
	client        *http.Client
}

// NewMetadataClient creates a client for the metadata and external-id APIs.
func NewMetadataClient(metadataURL, externalIDURL, apiKey string, tokens source.TokenProvider) *MetadataClient {
	return &MetadataClient{
		metadataURL:   metadataURL,
		externalIDURL: externalIDURL,
		apiKey:        apiKey,
		tokens:        tokens,
		client:        &http.Client{Timeout: 2 * time.Minute},
	}
}

// TechnicalObjectByThingID resolves a source thing id to the target-side
// technical object. Returns (nil, nil) when the object is unknown there:
// absence is a business outcome, not an error.
func (c *MetadataClient) TechnicalObjectByThingID(ctx context.Context, thingID string) (*TechnicalObjectRef, error) {
	query := url.Values{"$filter": {"systemName eq 'pdmsSysThing'"}}
	endpoint := fmt.Sprintf("%s/objectsid/ainobjects(%s)?%s",
		c.externalIDURL, url.PathEscape(thingID), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &model.TransportError{Op: "external id lookup", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, &model.TransportError{Op: "external id lookup", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status")}
	}

	var refs []TechnicalObjectRef
	if err := json.NewDecoder(resp.Body).Decode(&refs); err != nil {
		return nil, &model.TransportError{Op: "external id lookup", Err: err}
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return &refs[0], nil
}

// SyncStatus fetches the metadata sync state of a technical object with its
// measuring nodes expanded.
func (c *MetadataClient) SyncStatus(ctx context.Context, ref TechnicalObjectRef) (*TechnicalObjectSync, error) {
	endpoint := fmt.Sprintf("%s/TechnicalObjects(number='%s',SSID='%s',type='%s')?$expand=indicators",
		c.metadataURL, url.PathEscape(ref.Number), url.PathEscape(ref.SSID), apmType(ref.Type))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &model.TransportError{Op: "metadata sync status", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, &model.TransportError{Op: "metadata sync status", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status")}
	}

	var sync TechnicalObjectSync
	if err := json.NewDecoder(resp.Body).Decode(&sync); err != nil {
		return nil, &model.TransportError{Op: "metadata sync status", Err: err}
	}
	return &sync, nil
}

func (c *MetadataClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("accept", "application/json")
	return nil
}
