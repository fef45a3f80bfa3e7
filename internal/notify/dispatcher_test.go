package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
	"github.com/odyssey-erp/buyplans/internal/directory"
	"github.com/odyssey-erp/buyplans/internal/shared"
)

type fakePlans struct {
	plans    map[uuid.UUID]buyplan.BuyPlan
	entrants map[int64]int64
	err      error
}

func (f fakePlans) Get(ctx context.Context, id uuid.UUID) (buyplan.BuyPlan, error) {
	plan, ok := f.plans[id]
	if !ok {
		return buyplan.BuyPlan{}, buyplan.ErrNotFound
	}
	return plan, nil
}

func (f fakePlans) OfferEntrants(ctx context.Context, offerIDs []int64) (map[int64]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64]int64, len(offerIDs))
	for _, id := range offerIDs {
		if buyer, ok := f.entrants[id]; ok {
			out[id] = buyer
		}
	}
	return out, nil
}

type fakeDirectory struct {
	users []directory.User
}

func (f fakeDirectory) User(ctx context.Context, id int64) (directory.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return directory.User{}, directory.ErrNotFound
}

func (f fakeDirectory) UsersWithRole(ctx context.Context, role shared.Role) ([]directory.User, error) {
	var out []directory.User
	for _, u := range f.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

type sentEmail struct {
	to, subject, body string
}

type recordingEmail struct {
	mu     sync.Mutex
	sent   []sentEmail
	failTo map[string]error
}

func (r *recordingEmail) Send(ctx context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failTo[to]; err != nil {
		return err
	}
	r.sent = append(r.sent, sentEmail{to: to, subject: subject, body: body})
	return nil
}

func (r *recordingEmail) recipients() []string {
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.to)
	}
	return out
}

type recordingChat struct {
	posts []string
	texts []string
}

func (r *recordingChat) Post(ctx context.Context, recipient, text string) error {
	r.posts = append(r.posts, recipient)
	r.texts = append(r.texts, text)
	return nil
}

type deliveryCount struct {
	channel, event string
	failed         bool
}

type recordingObserver struct {
	seen []deliveryCount
}

func (r *recordingObserver) ObserveDelivery(channel, event string, err error) {
	r.seen = append(r.seen, deliveryCount{channel: channel, event: event, failed: err != nil})
}

var staff = []directory.User{
	{ID: 1, Name: "Ada", Email: "ada@odyssey.test", Role: shared.RoleAdmin},
	{ID: 2, Name: "Grace", Email: "grace@odyssey.test", Role: shared.RoleAdmin},
	{ID: 3, Name: "NoMail", Role: shared.RoleAdmin},
	{ID: 10, Name: "Sam", Email: "sam@odyssey.test", Role: shared.RoleSubmitter},
	{ID: 20, Name: "Bea", Email: "bea@odyssey.test", Role: shared.RoleBuyer},
	{ID: 21, Name: "Ben", Email: "ben@odyssey.test", Role: shared.RoleBuyer},
	{ID: 30, Name: "Max", Email: "max@odyssey.test", Role: shared.RoleManager},
}

func ptr[T any](v T) *T { return &v }

type dispatchFixture struct {
	plan     buyplan.BuyPlan
	email    *recordingEmail
	chat     *recordingChat
	observer *recordingObserver
	d        *Dispatcher
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	plan := buyplan.BuyPlan{
		ID:               uuid.New(),
		RequisitionID:    7,
		QuoteID:          70,
		Status:           buyplan.StatusPendingApproval,
		ApprovalToken:    "tok-abc",
		SalesOrderNumber: "SO-1001",
		SubmittedBy:      10,
		LineItems: []buyplan.LineItem{
			{OfferID: 1, MPN: "LM358", VendorName: "Digi Parts", PlanQty: 100, EnteredByID: ptr(int64(20))},
			{OfferID: 2, MPN: "NE555", VendorName: "Digi Parts", PlanQty: 50, EnteredByID: ptr(int64(20))},
		},
	}
	f := &dispatchFixture{
		plan:     plan,
		email:    &recordingEmail{},
		chat:     &recordingChat{},
		observer: &recordingObserver{},
	}
	f.d = NewDispatcher(DispatcherConfig{
		Plans:         fakePlans{plans: map[uuid.UUID]buyplan.BuyPlan{plan.ID: plan}},
		Users:         fakeDirectory{users: staff},
		Email:         f.email,
		Chat:          f.chat,
		Observer:      f.observer,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		PublicBaseURL: "http://buyplans.test/",
	})
	return f
}

func (f *dispatchFixture) dispatch(t *testing.T, event buyplan.Event, actorID *int64) Report {
	t.Helper()
	report, err := f.d.Dispatch(context.Background(), buyplan.NotificationRequest{PlanID: f.plan.ID, Event: event, ActorID: actorID})
	require.NoError(t, err)
	return report
}

func TestDispatchSubmittedGoesToAdminsWithApprovalLink(t *testing.T) {
	f := newDispatchFixture(t)

	report := f.dispatch(t, buyplan.EventSubmitted, ptr(int64(10)))
	require.Equal(t, Report{Recipients: 2, Sent: 4}, report)
	require.Equal(t, []string{"ada@odyssey.test", "grace@odyssey.test"}, f.email.recipients())

	mail := f.email.sent[0]
	require.Equal(t, "Buy plan awaiting approval: requisition #7", mail.subject)
	require.Contains(t, mail.body, "http://buyplans.test/public/buy-plans/tok-abc")
	require.Contains(t, mail.body, "0. LM358 x 100 from Digi Parts")
	require.Contains(t, f.chat.texts[0], "http://buyplans.test/public/buy-plans/tok-abc")
	require.Len(t, f.observer.seen, 4)
}

func TestDispatchApprovedGoesToSourcingBuyers(t *testing.T) {
	f := newDispatchFixture(t)

	report := f.dispatch(t, buyplan.EventApproved, ptr(int64(30)))
	require.Equal(t, 1, report.Recipients)
	require.Equal(t, []string{"bea@odyssey.test"}, f.email.recipients())
	require.NotContains(t, f.email.sent[0].body, "tok-abc")
}

func TestDispatchApprovedFallsBackToAllBuyers(t *testing.T) {
	f := newDispatchFixture(t)
	plan := f.plan
	plan.LineItems = []buyplan.LineItem{{OfferID: 1, MPN: "LM358", VendorName: "Acme Stock", PlanQty: 5}}
	f.d.plans = fakePlans{plans: map[uuid.UUID]buyplan.BuyPlan{plan.ID: plan}}

	f.dispatch(t, buyplan.EventStockSaleApproved, nil)
	require.Equal(t, []string{"bea@odyssey.test", "ben@odyssey.test"}, f.email.recipients())
	require.Equal(t, "Stock sale approved: SO SO-1001", f.email.sent[0].subject)
}

func TestDispatchApprovedUsesLedgerOfferEntrant(t *testing.T) {
	f := newDispatchFixture(t)
	plan := f.plan
	plan.LineItems = []buyplan.LineItem{
		{OfferID: 501, MPN: "LM358", VendorName: "Digi Parts", PlanQty: 5},
		{OfferID: 502, MPN: "NE555", VendorName: "Digi Parts", PlanQty: 5},
	}
	f.d.plans = fakePlans{
		plans:    map[uuid.UUID]buyplan.BuyPlan{plan.ID: plan},
		entrants: map[int64]int64{501: 21},
	}

	report := f.dispatch(t, buyplan.EventApproved, ptr(int64(30)))
	require.Equal(t, 1, report.Recipients)
	require.Equal(t, []string{"ben@odyssey.test"}, f.email.recipients())
}

func TestDispatchApprovedMixesLineAndLedgerEntrants(t *testing.T) {
	f := newDispatchFixture(t)
	plan := f.plan
	plan.LineItems = []buyplan.LineItem{
		{OfferID: 1, MPN: "LM358", VendorName: "Digi Parts", PlanQty: 5, EnteredByID: ptr(int64(20))},
		{OfferID: 502, MPN: "NE555", VendorName: "Digi Parts", PlanQty: 5},
	}
	f.d.plans = fakePlans{
		plans:    map[uuid.UUID]buyplan.BuyPlan{plan.ID: plan},
		entrants: map[int64]int64{502: 21},
	}

	f.dispatch(t, buyplan.EventApproved, nil)
	require.Equal(t, []string{"bea@odyssey.test", "ben@odyssey.test"}, f.email.recipients())
}

func TestDispatchApprovedLedgerFailureFallsBackToAllBuyers(t *testing.T) {
	f := newDispatchFixture(t)
	plan := f.plan
	plan.LineItems = []buyplan.LineItem{{OfferID: 501, MPN: "LM358", VendorName: "Digi Parts", PlanQty: 5}}
	f.d.plans = fakePlans{
		plans: map[uuid.UUID]buyplan.BuyPlan{plan.ID: plan},
		err:   errors.New("ledger unavailable"),
	}

	f.dispatch(t, buyplan.EventApproved, nil)
	require.Equal(t, []string{"bea@odyssey.test", "ben@odyssey.test"}, f.email.recipients())
}

func TestDispatchSubmitterEvents(t *testing.T) {
	for _, event := range []buyplan.Event{buyplan.EventRejected, buyplan.EventCompleted, buyplan.EventPOConfirmed} {
		t.Run(string(event), func(t *testing.T) {
			f := newDispatchFixture(t)
			f.dispatch(t, event, nil)
			require.Equal(t, []string{"sam@odyssey.test"}, f.email.recipients())
		})
	}
}

func TestDispatchCancelledRecipientsDependOnActor(t *testing.T) {
	f := newDispatchFixture(t)
	f.dispatch(t, buyplan.EventCancelled, ptr(int64(10)))
	require.Equal(t, []string{"ada@odyssey.test", "grace@odyssey.test"}, f.email.recipients())

	f = newDispatchFixture(t)
	f.dispatch(t, buyplan.EventCancelled, ptr(int64(30)))
	require.Equal(t, []string{"sam@odyssey.test"}, f.email.recipients())
}

func TestDispatchIsolatesRecipientFailures(t *testing.T) {
	f := newDispatchFixture(t)
	f.email.failTo = map[string]error{"ada@odyssey.test": errors.New("mailbox full")}

	report := f.dispatch(t, buyplan.EventSubmitted, nil)
	require.Equal(t, Report{Recipients: 2, Sent: 3, Failed: 1}, report)
	require.Equal(t, []string{"grace@odyssey.test"}, f.email.recipients())
	require.Equal(t, []string{"ada@odyssey.test", "grace@odyssey.test"}, f.chat.posts)

	failed := 0
	for _, seen := range f.observer.seen {
		if seen.failed {
			failed++
			require.Equal(t, ChannelEmail, seen.channel)
			require.Equal(t, string(buyplan.EventSubmitted), seen.event)
		}
	}
	require.Equal(t, 1, failed)
}

func TestDispatchUnknownPlan(t *testing.T) {
	f := newDispatchFixture(t)
	_, err := f.d.Dispatch(context.Background(), buyplan.NotificationRequest{PlanID: uuid.New(), Event: buyplan.EventSubmitted})
	require.ErrorIs(t, err, buyplan.ErrNotFound)
	require.Empty(t, f.email.sent)
}

func TestDispatchWithoutChannels(t *testing.T) {
	f := newDispatchFixture(t)
	f.d.email = nil
	f.d.chat = nil

	report := f.dispatch(t, buyplan.EventRejected, nil)
	require.Equal(t, Report{Recipients: 1}, report)
}

func TestRenderIncludesReasonsAndPOs(t *testing.T) {
	r := NewRenderer("https://buy.example")
	plan := buyplan.BuyPlan{
		RequisitionID:   7,
		Status:          buyplan.StatusRejected,
		RejectionReason: "over budget",
		LineItems: []buyplan.LineItem{
			{MPN: "LM358", VendorName: "Digi Parts", PlanQty: 3, PONumber: ptr("PO-77"), POVerified: true},
		},
	}

	msg, err := r.Render(plan, buyplan.EventRejected)
	require.NoError(t, err)
	require.Equal(t, "Buy plan rejected: requisition #7", msg.Subject)
	require.Contains(t, msg.Body, "Rejection reason: over budget")
	require.Contains(t, msg.Body, "(PO PO-77, verified)")
	require.Equal(t, msg.Subject, msg.Chat)

	_, err = r.Render(plan, buyplan.Event("archived"))
	require.Error(t, err)

	require.Equal(t, "https://buy.example/public/buy-plans/a%2Fb", r.ApprovalLink("a/b"))
}
