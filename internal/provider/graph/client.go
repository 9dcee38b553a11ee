// Package graph implements the Microsoft Graph variant of the provider
// capability interface, using the official Graph SDK with calendarView
// delta queries for incremental sync.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/mwhitfield/calsyncd/internal/provider"
)

// Graph JSON batching accepts at most 20 requests per batch.
const batchCap = 20

// Sync window: Graph calendarView delta requires explicit bounds. Events in
// the past are not the sync engine's concern, mirroring the forward-looking
// window policy.
const syncWindow = 365 * 24 * time.Hour

// tokenCredential bridges an oauth2.TokenSource into the Azure SDK's
// TokenCredential interface so the Graph SDK can authenticate requests.
type tokenCredential struct {
	source oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.source.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("%w: %w", provider.ErrAuth, err)
	}
	return azcore.AccessToken{
		Token:     tok.AccessToken,
		ExpiresOn: tok.Expiry,
	}, nil
}

// Client is the Microsoft Graph provider client.
type Client struct {
	client *msgraphsdk.GraphServiceClient
}

// NewClient creates a Graph client authenticating with the given token source.
func NewClient(source oauth2.TokenSource) (*Client, error) {
	cred := &tokenCredential{source: source}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{
		"https://graph.microsoft.com/.default",
	})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	return &Client{client: client}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "microsoft" }

// BatchCap returns the Graph batch request limit.
func (c *Client) BatchCap() int { return batchCap }

// ListCalendars returns the calendars visible to the signed-in account.
func (c *Client) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	result, err := c.client.Me().Calendars().Get(ctx, nil)
	if err != nil {
		return nil, classifyError(err)
	}

	var calendars []provider.Calendar
	for _, cal := range result.GetValue() {
		id := cal.GetId()
		name := cal.GetName()
		if id == nil || name == nil {
			continue
		}
		calendars = append(calendars, provider.Calendar{
			ID:      *id,
			Name:    *name,
			Primary: derefBool(cal.GetIsDefaultCalendar()),
		})
	}

	return calendars, nil
}

// ListEvents fetches the full event set for the window via calendarView,
// following pagination with the SDK page iterator.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]provider.RemoteEvent, error) {
	startStr := timeMin.UTC().Format(time.RFC3339)
	endStr := timeMax.UTC().Format(time.RFC3339)
	top := int32(100)

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.timezone="UTC"`)

	config := &users.ItemCalendarsItemCalendarViewRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemCalendarsItemCalendarViewRequestBuilderGetQueryParameters{
			StartDateTime: &startStr,
			EndDateTime:   &endStr,
			Top:           &top,
		},
		Headers: headers,
	}

	result, err := c.client.Me().Calendars().ByCalendarId(calendarID).CalendarView().Get(ctx, config)
	if err != nil {
		return nil, classifyError(err)
	}

	pageIterator, err := msgraphcore.NewPageIterator[models.Eventable](
		result,
		c.client.GetAdapter(),
		models.CreateEventCollectionResponseFromDiscriminatorValue,
	)
	if err != nil {
		return nil, fmt.Errorf("create page iterator: %w", err)
	}

	var events []provider.RemoteEvent
	err = pageIterator.Iterate(ctx, func(item models.Eventable) bool {
		if derefBool(item.GetIsCancelled()) {
			return true
		}
		events = append(events, parseGraphEvent(item))
		return true
	})
	if err != nil {
		return nil, classifyError(err)
	}

	return events, nil
}

// Delta drains the calendarView delta feed for a calendar. An empty token
// starts a new cycle; otherwise the stored delta link is replayed. The new
// delta link is only returned once every page has been consumed.
func (c *Client) Delta(ctx context.Context, calendarID, deltaToken string) (*provider.DeltaResult, error) {
	result := &provider.DeltaResult{}

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.timezone="UTC"`)

	var resp users.ItemCalendarsItemCalendarViewDeltaGetResponseable
	var err error

	if deltaToken == "" {
		startStr := time.Now().UTC().Format(time.RFC3339)
		endStr := time.Now().UTC().Add(syncWindow).Format(time.RFC3339)
		config := &users.ItemCalendarsItemCalendarViewDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemCalendarsItemCalendarViewDeltaRequestBuilderGetQueryParameters{
				StartDateTime: &startStr,
				EndDateTime:   &endStr,
			},
			Headers: headers,
		}
		resp, err = c.client.Me().Calendars().ByCalendarId(calendarID).CalendarView().Delta().GetAsDeltaGetResponse(ctx, config)
	} else {
		// The stored token is the full delta link URL issued by Graph.
		builder := users.NewItemCalendarsItemCalendarViewDeltaRequestBuilder(deltaToken, c.client.GetAdapter())
		resp, err = builder.GetAsDeltaGetResponse(ctx, &users.ItemCalendarsItemCalendarViewDeltaRequestBuilderGetRequestConfiguration{
			Headers: headers,
		})
	}
	if err != nil {
		return nil, classifyError(err)
	}

	for {
		for _, item := range resp.GetValue() {
			result.Changes = append(result.Changes, parseDeltaChange(item))
		}

		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}

		builder := users.NewItemCalendarsItemCalendarViewDeltaRequestBuilder(*next, c.client.GetAdapter())
		resp, err = builder.GetAsDeltaGetResponse(ctx, nil)
		if err != nil {
			return nil, classifyError(err)
		}
	}

	if link := resp.GetOdataDeltaLink(); link != nil {
		result.DeltaToken = *link
	}

	return result, nil
}

// CreateEvent creates the event in the given calendar.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	created, err := c.client.Me().Calendars().ByCalendarId(calendarID).Events().Post(ctx, buildGraphEvent(event), nil)
	if err != nil {
		return nil, classifyError(err)
	}
	parsed := parseGraphEvent(created)
	return &parsed, nil
}

// UpdateEvent pushes local field values to the remote copy.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	updated, err := c.client.Me().Calendars().ByCalendarId(calendarID).Events().ByEventId(event.ID).Patch(ctx, buildGraphEvent(event), nil)
	if err != nil {
		return nil, classifyError(err)
	}
	parsed := parseGraphEvent(updated)
	return &parsed, nil
}

// DeleteEvent removes the event remotely.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, remoteID string) error {
	err := c.client.Me().Calendars().ByCalendarId(calendarID).Events().ByEventId(remoteID).Delete(ctx, nil)
	if err != nil {
		return classifyError(err)
	}
	return nil
}
