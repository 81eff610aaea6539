package main

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgecoord/bco/internal/wire"
	"golang.org/x/xerrors"
)

const contentType = "application/x-bitten+xml"

// client drives one slave's HTTP session against a master, grounded on the
// polling request/response cycle of httptransport.Handler.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 60 * time.Second}}
}

// createBuild registers with the master and, if a build is pending, returns
// its location URL and annotated recipe. A 204 (no pending builds) returns
// ("", nil, nil).
func (c *client) createBuild(reg wire.Register) (location string, recipe []byte, err error) {
	body, err := xml.Marshal(reg)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.http.Post(c.baseURL+"/builds", contentType, bytes.NewReader(body))
	if err != nil {
		return "", nil, xerrors.Errorf("slave: POST /builds: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		loc := resp.Header.Get("Location")
		recipe, err := c.fetchRecipe(loc)
		if err != nil {
			return "", nil, err
		}
		return loc, recipe, nil
	case http.StatusNoContent:
		return "", nil, nil
	case 550:
		return "", nil, xerrors.New("slave: master reports nothing to build for this slave")
	default:
		data, _ := io.ReadAll(resp.Body)
		return "", nil, xerrors.Errorf("slave: POST /builds: unexpected status %d: %s", resp.StatusCode, data)
	}
}

// fetchRecipe GETs the build's recipe, which is also the slave's implicit
// proceed acknowledgment (the master starts the clock on this request).
func (c *client) fetchRecipe(location string) ([]byte, error) {
	resp, err := c.http.Get(c.baseURL + location)
	if err != nil {
		return nil, xerrors.Errorf("slave: GET %s: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, xerrors.Errorf("slave: GET %s: unexpected status %d: %s", location, resp.StatusCode, data)
	}
	return io.ReadAll(resp.Body)
}

// putStep reports one step result.
func (c *client) putStep(location, stepID string, s wire.Step) error {
	return c.put(fmt.Sprintf("%s/steps/%s", location, stepID), s)
}

func (c *client) putCompleted(location string, done wire.Completed) error {
	return c.put(location+"/steps/completed", done)
}

func (c *client) putAborted(location string) error {
	return c.put(location+"/steps/aborted", wire.Aborted{Time: wire.FormatTime(time.Now())})
}

func (c *client) put(path string, v interface{}) error {
	body, err := xml.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Errorf("slave: PUT %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return xerrors.Errorf("slave: PUT %s: unexpected status %d: %s", path, resp.StatusCode, data)
	}
	return nil
}
