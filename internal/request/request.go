// Package request implements the Request Context (DfmRequest): the
// per-request facade over the transport and site identity. It is the
// single routing decision point described in spec.md 4.3 and exercised by
// the source test suite
// (test_dfm_service_common_request_dfm_request.py), whose exact
// assertions this package's tests mirror.
package request

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/message"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

// Context is the per-request object carrying this_site, home_site,
// request_id, and a handle to the transport.
type Context struct {
	ThisSite  string
	HomeSite  string
	RequestID uuid.UUID

	transport *transport.Client
}

// New constructs a Context and ensures the three request streams exist,
// matching test_dfm_request_creates_streams.
func New(ctx context.Context, thisSite, homeSite string, requestID uuid.UUID, t *transport.Client) (*Context, error) {
	rc := &Context{ThisSite: thisSite, HomeSite: homeSite, RequestID: requestID, transport: t}
	for _, svc := range []message.Service{message.ServiceExecute, message.ServiceScheduler, message.ServiceUplink} {
		if err := t.EnsureGroup(ctx, message.StreamName(svc), message.GroupName(svc)); err != nil {
			return nil, fmt.Errorf("request: ensure streams: %w", err)
		}
	}
	return rc, nil
}

func (c *Context) isLocal() bool { return c.ThisSite == c.HomeSite }

// sendResponse implements the send_value/error/status/heartbeat routing
// invariant: local requests append directly to the response list; remote
// requests are wrapped in a PushResponse and uplinked home.
func (c *Context) sendResponse(ctx context.Context, nodeID uuid.UUID, body dfmapi.ResponseBody) error {
	resp := dfmapi.NewResponse(nodeID, body)
	if c.isLocal() {
		data, err := resp.MarshalJSON()
		if err != nil {
			return fmt.Errorf("request: marshal response: %w", err)
		}
		return c.transport.AppendResponse(ctx, c.RequestID.String(), data)
	}

	push := &dfmapi.PushResponse{
		NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()},
		Response:   resp,
	}
	pushBody := dfmapi.Body{push.NodeID: push}
	site := c.HomeSite
	exec := dfmapi.Execute{
		NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()},
		Site:       &site,
		Body:       pushBody,
	}
	job := message.Job{HomeSite: c.HomeSite, RequestID: c.RequestID.String(), Execute: exec}
	pkg := message.NewPackage(c.ThisSite, c.HomeSite, job)
	_, err := c.transport.PublishPackage(ctx, message.StreamName(message.ServiceUplink), pkg)
	if err != nil {
		return fmt.Errorf("request: publish response package: %w", err)
	}
	return nil
}

func (c *Context) SendValue(ctx context.Context, nodeID uuid.UUID, value any) error {
	return c.sendResponse(ctx, nodeID, dfmapi.ValueResponse{Value: value})
}

func (c *Context) SendStatus(ctx context.Context, nodeID uuid.UUID, msg string) error {
	return c.sendResponse(ctx, nodeID, dfmapi.StatusResponse{Message: msg})
}

func (c *Context) SendError(ctx context.Context, nodeID uuid.UUID, kind, msg string) error {
	return c.sendResponse(ctx, nodeID, dfmapi.ErrorResponse{Kind: kind, Message: msg})
}

// SendHeartbeat sends a HeartbeatResponse keyed on a nil node id (the
// source's heartbeat is request-scoped, not node-scoped) and returns the
// body that was sent, mirroring the source test's assertion that
// `heartbeat == push_response.response.body`.
func (c *Context) SendHeartbeat(ctx context.Context) (dfmapi.HeartbeatResponse, error) {
	hb := dfmapi.HeartbeatResponse{}
	return hb, c.sendResponse(ctx, uuid.Nil, hb)
}

// SendDiscovery sends the single DiscoveryResponse produced by a
// discovery run, keyed on a nil node id (discovery responds for the whole
// request, not a particular node).
func (c *Context) SendDiscovery(ctx context.Context, advice any) error {
	return c.sendResponse(ctx, uuid.Nil, dfmapi.DiscoveryResponse{Advice: advice})
}

// ScheduleExecute is the single three-way routing decision point:
// uplink if the execute targets a different site; scheduler if it has a
// future deadline; execute otherwise.
func (c *Context) ScheduleExecute(ctx context.Context, exec dfmapi.Execute, deadline *time.Time) error {
	return c.scheduleJob(ctx, exec, deadline, false)
}

// ScheduleDiscovery routes a Process submission's discovery variant: the
// same site-targeting decision as ScheduleExecute, but marked
// is_discovery so the Execute Service runs the discovery path instead of
// the pipeline, and never deadline-delayed -- discovery answers
// immediately or not at all.
func (c *Context) ScheduleDiscovery(ctx context.Context, exec dfmapi.Execute) error {
	return c.scheduleJob(ctx, exec, nil, true)
}

func (c *Context) scheduleJob(ctx context.Context, exec dfmapi.Execute, deadline *time.Time, isDiscovery bool) error {
	job := message.Job{HomeSite: c.HomeSite, RequestID: c.RequestID.String(), Deadline: deadline, IsDiscovery: isDiscovery, Execute: exec}

	if exec.Site != nil && *exec.Site != c.ThisSite {
		pkg := message.NewPackage(c.ThisSite, *exec.Site, job)
		_, err := c.transport.PublishPackage(ctx, message.StreamName(message.ServiceUplink), pkg)
		if err != nil {
			return fmt.Errorf("request: publish uplink package: %w", err)
		}
		return nil
	}

	if job.IsDelayed() {
		_, err := c.transport.PublishJob(ctx, message.StreamName(message.ServiceScheduler), job)
		if err != nil {
			return fmt.Errorf("request: publish scheduler job: %w", err)
		}
		return nil
	}

	_, err := c.transport.PublishJob(ctx, message.StreamName(message.ServiceExecute), job)
	if err != nil {
		return fmt.Errorf("request: publish execute job: %w", err)
	}
	return nil
}

// ScheduleBody synthesizes an Execute(site=targetSite, body=body) and
// delegates to ScheduleExecute. Used to propagate sub-pipelines, e.g. the
// body of an AwaitMessage after its message arrives.
func (c *Context) ScheduleBody(ctx context.Context, targetSite string, nodeID *uuid.UUID, body dfmapi.Body, deadline *time.Time) error {
	header := dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}
	if nodeID != nil {
		header.NodeID = *nodeID
	}
	site := targetSite
	exec := dfmapi.Execute{NodeHeader: header, Site: &site, Body: body}
	return c.ScheduleExecute(ctx, exec, deadline)
}

// ScheduleNode schedules a single node for re-execution, used for
// timer-driven wake-ups such as AwaitMessage's reschedule.
func (c *Context) ScheduleNode(ctx context.Context, targetSite string, node dfmapi.FunctionCall, deadline *time.Time) error {
	body := dfmapi.Body{node.Header().NodeID: node}
	return c.ScheduleBody(ctx, targetSite, nil, body, deadline)
}

// SendMessage writes a message into the mailbox slot on the target site:
// directly if local, or via a one-node Execute wrapping a ReceiveMessage
// if remote.
func (c *Context) SendMessage(ctx context.Context, targetSite, mailbox, payload string) error {
	if targetSite == c.ThisSite {
		return c.transport.SetMailbox(ctx, c.RequestID.String(), mailbox, payload)
	}

	recv := &dfmapi.ReceiveMessage{
		NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()},
		Mailbox:    mailbox,
		Message:    payload,
		TargetSite: targetSite,
	}
	body := dfmapi.Body{recv.NodeID: recv}
	return c.ScheduleBody(ctx, targetSite, nil, body, nil)
}

// GetMessage reads the mailbox slot without deleting it; a second read
// returns the same value (mailbox reads are non-destructive by design).
func (c *Context) GetMessage(ctx context.Context, mailbox string) (string, bool, error) {
	return c.transport.GetMailbox(ctx, c.RequestID.String(), mailbox)
}

// PushLocalResponse appends an already-constructed Response directly to
// the local response list, used by the PushResponse adapter when a
// cross-site response lands back home.
func (c *Context) PushLocalResponse(ctx context.Context, resp dfmapi.Response) error {
	data, err := resp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("request: marshal pushed response: %w", err)
	}
	return c.transport.AppendResponse(ctx, c.RequestID.String(), data)
}

// Responses returns every response accumulated for this request so far.
func (c *Context) Responses(ctx context.Context) ([]dfmapi.Response, error) {
	raw, err := c.transport.Responses(ctx, c.RequestID.String())
	if err != nil {
		return nil, err
	}
	out := make([]dfmapi.Response, 0, len(raw))
	for _, data := range raw {
		var r dfmapi.Response
		if err := r.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("request: unmarshal accumulated response: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
