// internal/registry/datacite.go
// DataCite MDS implementation of the registry Client.
package registry

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DataCiteClient talks to the DataCite MDS API. It implements Client.
type DataCiteClient struct {
	base     string       // Base URL of the MDS API
	username string       // Account username for basic auth
	password string       // Account password for basic auth
	hc       *http.Client // HTTP client with custom timeouts
}

// NewDataCite creates a DataCite MDS client. The base URL differs between the
// production and test APIs; the caller picks via configuration.
func NewDataCite(baseURL, username, password string) *DataCiteClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}

	return &DataCiteClient{
		base:     strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		hc:       &http.Client{Transport: transport, Timeout: 15 * time.Second},
	}
}

// Lookup checks whether a DOI is already registered with DataCite.
func (c *DataCiteClient) Lookup(ctx context.Context, doi string) error {
	endpoint := fmt.Sprintf("%s/metadata/%s", c.base, url.PathEscape(doi))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusGone:
		// Gone means the metadata was deactivated; either way the DOI is
		// not an active registration.
		return ErrNotFound
	default:
		return fmt.Errorf("datacite metadata lookup failed: %s", resp.Status)
	}
}

// kernelResource is the DataCite metadata kernel document. Only the required
// subset of the schema is produced.
type kernelResource struct {
	XMLName         xml.Name        `xml:"resource"`
	Namespace       string          `xml:"xmlns,attr"`
	XSI             string          `xml:"xmlns:xsi,attr"`
	SchemaLocation  string          `xml:"xsi:schemaLocation,attr"`
	Identifier      kernelIdentifier `xml:"identifier"`
	Creators        []kernelCreator `xml:"creators>creator"`
	Titles          []string        `xml:"titles>title"`
	Publisher       string          `xml:"publisher"`
	PublicationYear string          `xml:"publicationYear"`
	ResourceType    kernelResType   `xml:"resourceType"`
}

type kernelIdentifier struct {
	Type  string `xml:"identifierType,attr"`
	Value string `xml:",chardata"`
}

type kernelCreator struct {
	Name string `xml:"creatorName"`
}

type kernelResType struct {
	General string `xml:"resourceTypeGeneral,attr"`
}

const (
	kernelNamespace      = "http://datacite.org/schema/kernel-4"
	kernelXSI            = "http://www.w3.org/2001/XMLSchema-instance"
	kernelSchemaLocation = "http://datacite.org/schema/kernel-4 http://schema.datacite.org/meta/kernel-4/metadata.xsd"
)

// MetadataXML renders the kernel document for a DOI. Exposed so the metadata
// archive can store exactly what was registered.
func MetadataXML(doi string, meta Metadata) ([]byte, error) {
	resourceType := meta.ResourceType
	if resourceType == "" {
		resourceType = "Dataset"
	}
	creators := make([]kernelCreator, 0, len(meta.Creators))
	for _, name := range meta.Creators {
		creators = append(creators, kernelCreator{Name: name})
	}

	doc := kernelResource{
		Namespace:       kernelNamespace,
		XSI:             kernelXSI,
		SchemaLocation:  kernelSchemaLocation,
		Identifier:      kernelIdentifier{Type: "DOI", Value: doi},
		Creators:        creators,
		Titles:          []string{meta.Title},
		Publisher:       meta.Publisher,
		PublicationYear: strconv.Itoa(meta.PublicationYear),
		ResourceType:    kernelResType{General: resourceType},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// RegisterMetadata registers the descriptive metadata for a DOI with DataCite.
func (c *DataCiteClient) RegisterMetadata(ctx context.Context, doi string, meta Metadata) error {
	body, err := MetadataXML(doi, meta)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/metadata", c.base)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/xml;charset=UTF-8")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("datacite metadata registration failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}

// BindURL binds the DOI to its landing page URL.
func (c *DataCiteClient) BindURL(ctx context.Context, doi, landingURL string) error {
	endpoint := fmt.Sprintf("%s/doi/%s", c.base, url.PathEscape(doi))
	body := fmt.Sprintf("doi=%s\nurl=%s", doi, landingURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("datacite url binding failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}
