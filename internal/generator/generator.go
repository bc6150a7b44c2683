// Package generator derives resource-side grants from the identity-side
// changes in a request. For every cross-account target named by an inline or
// time-restricted policy, it drafts the matching resource-policy (or trust
// policy) change so both sides of the grant travel through the same request.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
)

// PolicyReader reads the live resource-side documents drafts are layered on.
type PolicyReader interface {
	GetResourcePolicy(ctx context.Context, res arn.Resource) (policy.Document, error)
	GetTrustPolicy(ctx context.Context, roleARN string) (policy.Document, error)
}

// supportedActions lists, per resource kind, the actions a generated grant
// may carry. Requested actions outside the table are dropped from the draft;
// a service wildcard selects the whole row.
var supportedActions = map[arn.Kind][]string{
	arn.KindS3Bucket: {
		"s3:GetObject", "s3:PutObject", "s3:DeleteObject",
		"s3:ListBucket", "s3:GetBucketLocation",
	},
	arn.KindSQSQueue: {
		"sqs:SendMessage", "sqs:ReceiveMessage", "sqs:DeleteMessage",
		"sqs:GetQueueAttributes", "sqs:GetQueueUrl", "sqs:ChangeMessageVisibility",
	},
	arn.KindSNSTopic: {
		"sns:Publish", "sns:Subscribe", "sns:GetTopicAttributes",
	},
	arn.KindKMSKey: {
		"kms:Decrypt", "kms:Encrypt", "kms:GenerateDataKey",
		"kms:GenerateDataKeyWithoutPlaintext", "kms:DescribeKey", "kms:ReEncryptFrom", "kms:ReEncryptTo",
	},
	arn.KindLambdaFunction: {
		"lambda:InvokeFunction",
	},
}

// stsActions are the trust-policy actions that make a cross-account role
// target draftable as a trust edit rather than a resource policy.
var stsActions = []string{"sts:AssumeRole", "sts:TagSession"}

const readConcurrency = 4

type Generator struct {
	reader   PolicyReader
	resolver arn.Resolver
	logger   *slog.Logger
}

func NewGenerator(reader PolicyReader, resolver arn.Resolver, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{reader: reader, resolver: resolver, logger: logger}
}

// draft is one derived change before it is merged into the request.
type draft struct {
	sourceID  int
	targetARN string
	typ       models.ChangeType
	supported bool
	old       policy.Document
	new       policy.Document
}

// target is a resolved resource plus the actions requested against it,
// accumulated across statements of one source change.
type target struct {
	res     arn.Resource
	actions []string
}

// Augment derives resource-side changes for the request and merges them into
// its change list. It reports whether the request was modified. Derived
// changes a user has since edited are never overwritten, and drafts that no
// longer follow from their source are cancelled.
func (g *Generator) Augment(ctx context.Context, req *models.Request) (bool, error) {
	marker := req.SidMarker()

	var (
		mu     sync.Mutex
		drafts []draft
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(readConcurrency)

	for _, ch := range req.Changes {
		if !g.isSource(ch) {
			continue
		}
		targets := g.collectTargets(ctx, req, ch)
		for _, t := range targets {
			t := t
			sourceID := ch.ID
			eg.Go(func() error {
				d, err := g.draftFor(egCtx, req, marker, sourceID, t)
				if err != nil {
					return err
				}
				if d == nil {
					return nil
				}
				mu.Lock()
				drafts = append(drafts, *d)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return false, fmt.Errorf("drafting resource grants: %w", err)
	}

	// Merge order is deterministic regardless of read completion order.
	sort.Slice(drafts, func(i, j int) bool {
		if drafts[i].sourceID != drafts[j].sourceID {
			return drafts[i].sourceID < drafts[j].sourceID
		}
		return drafts[i].targetARN < drafts[j].targetARN
	})

	changed := g.merge(req, drafts)
	if g.cancelStale(req, drafts) {
		changed = true
	}
	return changed, nil
}

// isSource reports whether a change's policy should be mined for resource
// targets.
func (g *Generator) isSource(ch *models.Change) bool {
	if ch.Status != models.ChangeNotApplied && ch.Status != models.ChangeApplied {
		return false
	}
	if ch.Action == models.ActionDelete {
		return false
	}
	if ch.Policy == nil {
		return false
	}
	return ch.Type == models.ChangeInlinePolicy || ch.Type == models.ChangeTimeRestrictedAccess
}

// collectTargets resolves every concrete resource named by the change's Allow
// statements, grouping requested actions per resolved target. Wildcard
// resources and targets in the principal's own account are skipped; the
// identity-side policy alone grants those.
func (g *Generator) collectTargets(ctx context.Context, req *models.Request, ch *models.Change) []target {
	byARN := make(map[string]*target)
	var order []string

	for _, st := range ch.Policy.Document.Statement {
		if !strings.EqualFold(st.Effect, "Allow") || len(st.Action) == 0 {
			continue
		}
		for _, raw := range st.Resource {
			if arn.Wildcard(raw) {
				continue
			}
			res, err := g.resolver.Resolve(ctx, raw)
			if err != nil {
				g.logger.Debug("skipping unresolvable resource",
					"request_id", req.ID, "change_id", ch.ID, "resource", raw, "error", err)
				continue
			}
			if res.Account != "" && res.Account == req.Principal.Account {
				continue
			}
			t, ok := byARN[res.ARN]
			if !ok {
				t = &target{res: res}
				byARN[res.ARN] = t
				order = append(order, res.ARN)
			}
			t.actions = append(t.actions, st.Action...)
		}
	}

	out := make([]target, 0, len(order))
	for _, a := range order {
		out = append(out, *byARN[a])
	}
	return out
}

// draftFor produces the derived change for one target, or nil when no grant
// is needed.
func (g *Generator) draftFor(ctx context.Context, req *models.Request, marker string, sourceID int, t target) (*draft, error) {
	if t.res.Kind == arn.KindIAMRole {
		return g.draftTrustGrant(ctx, req, marker, sourceID, t)
	}
	if !t.res.ResourcePolicyCapable() {
		// Recorded for audit; never applied.
		return &draft{
			sourceID:  sourceID,
			targetARN: t.res.ARN,
			typ:       models.ChangeResourcePolicy,
			supported: false,
		}, nil
	}

	actions := policy.FilterActions(t.actions, supportedActions[t.res.Kind])
	if len(actions) == 0 {
		return nil, nil
	}

	current, err := g.reader.GetResourcePolicy(ctx, t.res)
	if err != nil {
		return nil, fmt.Errorf("reading policy for %s: %w", t.res.ARN, err)
	}

	sid := policy.GrantSid(marker, sourceID, req.ExpirationDate)
	st := policy.AllowStatement(sid, req.Principal.ARN, actions, grantResources(t.res))
	merged := policy.MergeStatement(current, st)
	if policy.Equal(current, merged) {
		return nil, nil
	}

	return &draft{
		sourceID:  sourceID,
		targetARN: t.res.ARN,
		typ:       models.ChangeResourcePolicy,
		supported: true,
		old:       current,
		new:       merged,
	}, nil
}

// draftTrustGrant drafts an sts_resource_policy change letting the principal
// assume a cross-account role, when sts actions were requested against it.
func (g *Generator) draftTrustGrant(ctx context.Context, req *models.Request, marker string, sourceID int, t target) (*draft, error) {
	actions := policy.FilterActions(t.actions, stsActions)
	if len(actions) == 0 {
		return nil, nil
	}

	current, err := g.reader.GetTrustPolicy(ctx, t.res.ARN)
	if err != nil {
		return nil, fmt.Errorf("reading trust policy for %s: %w", t.res.ARN, err)
	}

	sid := policy.GrantSid(marker, sourceID, req.ExpirationDate)
	st := policy.AllowStatement(sid, req.Principal.ARN, actions, nil)
	merged := policy.MergeStatement(current, st)
	if policy.Equal(current, merged) {
		return nil, nil
	}

	return &draft{
		sourceID:  sourceID,
		targetARN: t.res.ARN,
		typ:       models.ChangeSTSResourcePolicy,
		supported: true,
		old:       current,
		new:       merged,
	}, nil
}

// grantResources lists the Resource element of a generated statement. S3
// grants cover the bucket and its objects; queue, topic, key and function
// grants name the resource itself.
func grantResources(res arn.Resource) []string {
	if res.Kind == arn.KindS3Bucket {
		return []string{res.ARN, res.ARN + "/*"}
	}
	return []string{res.ARN}
}

// merge folds drafts into the request's change list. A derived change that a
// user has edited, or that already left not_applied, is left alone.
func (g *Generator) merge(req *models.Request, drafts []draft) bool {
	changed := false
	for _, d := range drafts {
		existing := req.FindAutogenerated(d.sourceID, d.targetARN, d.typ)
		if existing != nil {
			if !existing.Autogenerated() || existing.Status != models.ChangeNotApplied {
				continue
			}
			if !d.supported {
				continue
			}
			if existing.Policy != nil && existing.Policy.SHA256 == policy.Hash(d.new) {
				continue
			}
			g.fill(existing, d)
			changed = true
			continue
		}

		sourceID := d.sourceID
		ch := &models.Change{
			ID:             req.NextChangeID(),
			Status:         models.ChangeNotApplied,
			Origin:         models.OriginAutogenerated,
			SourceChangeID: &sourceID,
			ARN:            d.targetARN,
			Action:         models.ActionPut,
		}
		g.fill(ch, d)
		req.Changes = append(req.Changes, ch)
		changed = true
	}
	return changed
}

func (g *Generator) fill(ch *models.Change, d draft) {
	ch.Type = d.typ
	ch.Supported = d.supported
	if d.supported {
		ch.Policy = models.NewPolicySnapshot(d.new)
		ch.OldPolicy = models.NewPolicySnapshot(d.old)
	}
}

// cancelStale cancels untouched derived changes whose source no longer
// produces a draft for their target, so edits to a source policy retract
// grants it stopped asking for.
func (g *Generator) cancelStale(req *models.Request, drafts []draft) bool {
	live := make(map[string]bool, len(drafts))
	for _, d := range drafts {
		live[fmt.Sprintf("%d|%s|%s", d.sourceID, d.targetARN, d.typ)] = true
	}

	changed := false
	for _, ch := range req.Changes {
		if !ch.Autogenerated() || ch.Status != models.ChangeNotApplied || ch.SourceChangeID == nil {
			continue
		}
		key := fmt.Sprintf("%d|%s|%s", *ch.SourceChangeID, ch.ARN, ch.Type)
		if live[key] {
			continue
		}
		ch.Status = models.ChangeCancelled
		changed = true
	}
	return changed
}
