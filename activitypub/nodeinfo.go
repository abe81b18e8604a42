package activitypub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
)

const nodeinfoSchemaPrefix = "http://nodeinfo.diaspora.software/ns/schema/"

// scheduleInstanceMetadata queues a one-shot nodeinfo lookup for a freshly
// discovered instance. Relay classification and the unsigned-fetch carve-out
// key off the software name, so detection runs on first contact instead of
// waiting for an operator to fill it in.
func (f *Federator) scheduleInstanceMetadata(inst *domain.Instance) {
	id := inst.Id
	dom := inst.Domain
	f.enqueueJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err, row := f.store.FindInstanceById(id)
		if err != nil || row == nil {
			return
		}
		if err := f.refreshInstanceMetadata(ctx, row); err != nil {
			f.log.Debug("nodeinfo lookup failed", zap.String("instance", dom), zap.Error(err))
		}
	})
}

// refreshInstanceMetadata resolves the instance's nodeinfo document and
// records the software name and version on the instance row.
func (f *Federator) refreshInstanceMetadata(ctx context.Context, inst *domain.Instance) error {
	disc, err := f.getPlainJSON(ctx, fmt.Sprintf("https://%s/.well-known/nodeinfo", inst.Domain))
	if err != nil {
		return err
	}

	var href string
	for _, l := range disc.List("links") {
		link, ok := AsObject(l)
		if !ok {
			continue
		}
		if strings.HasPrefix(link.Str("rel"), nodeinfoSchemaPrefix) && link.Str("href") != "" {
			href = link.Str("href")
		}
	}
	if href == "" {
		return fmt.Errorf("nodeinfo discovery for %s has no schema link", inst.Domain)
	}
	// The discovery document is attacker-controlled; the schema document must
	// stay on the instance it describes.
	if !strings.EqualFold(uriHost(href), inst.Domain) {
		return fmt.Errorf("nodeinfo link %s points off-instance", href)
	}

	doc, err := f.getPlainJSON(ctx, href)
	if err != nil {
		return err
	}
	software, _ := doc.Object("software")
	name := strings.ToLower(software.Str("name"))
	if name == "" {
		return fmt.Errorf("nodeinfo for %s has no software name", inst.Domain)
	}
	version := software.Str("version")

	return f.withActorLock(ctx, "instance:"+inst.Domain, func() error {
		inst.Software = name
		inst.Version = version
		return f.store.UpdateInstance(inst)
	})
}

// getPlainJSON performs one validated unsigned GET for well-known metadata.
func (f *Federator) getPlainJSON(ctx context.Context, uri string) (JSONObject, error) {
	validated, err := f.guard.Validate(uri, URIContextGeneric)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", validated, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.limits.MaxSize)))
	if err != nil {
		return nil, err
	}
	return DecodeObject(body, f.limits)
}
