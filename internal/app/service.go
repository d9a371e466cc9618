package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"muse/api/internal/activity"
	"muse/api/internal/apperr"
	"muse/api/internal/auth"
	"muse/api/internal/authpw"
	"muse/api/internal/blob"
	"muse/api/internal/config"
	"muse/api/internal/logging"
	"muse/api/internal/metrics"
	"muse/api/internal/rbac"
	"muse/api/internal/search"
	"muse/api/internal/store"
	"muse/api/internal/suggestion"
	"muse/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Kind      string
	ExpiresAt time.Time
}

func (s Session) caller() suggestion.Caller {
	return suggestion.Caller{UserID: s.UserID, Name: s.UserName, Kind: s.Kind}
}

type dataStore interface {
	suggestion.Store
	activity.AuditStore
	authpw.AccountStore
	CreateProject(ctx context.Context, projectID, name string) (bool, error)
	UpsertProjectMember(ctx context.Context, member store.ProjectMember) error
	InsertDocument(ctx context.Context, item store.Document) error
	ListMemories(ctx context.Context, projectID string) ([]store.Memory, error)
	ListAuditEvents(ctx context.Context, suggestionID string) ([]store.AuditEvent, error)
	Ping(ctx context.Context) error
}

// BlobStore holds document bodies. Optional.
type BlobStore interface {
	PutBlob(ctx context.Context, key string, body []byte, contentType string) error
	RemoveBlob(ctx context.Context, key string) error
}

// ActivityFeed serves the most recent lifecycle events. Optional.
type ActivityFeed interface {
	Recent(ctx context.Context, count int64) ([]activity.Event, error)
}

type Deps struct {
	Store   dataStore
	Search  *search.Service
	Blobs   BlobStore
	Feed    ActivityFeed
	Sinks   []activity.Emitter
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Service struct {
	config      config.Config
	store       dataStore
	accounts    *authpw.Service
	suggestions *suggestion.Service
	search      *search.Service
	blobs       BlobStore
	feed        ActivityFeed
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := logging.OrNop(deps.Logger)
	sinks := append([]activity.Emitter{activity.NewAuditLog(deps.Store)}, deps.Sinks...)
	suggestionDeps := suggestion.Deps{
		Store:    deps.Store,
		Notifier: activity.NewNotifier(logger, sinks...),
		Metrics:  deps.Metrics,
		Logger:   logger,
	}
	if deps.Search != nil {
		suggestionDeps.Index = deps.Search
	}
	if deps.Blobs != nil {
		suggestionDeps.Blobs = deps.Blobs
	}
	return &Service{
		config:      cfg,
		store:       deps.Store,
		accounts:    authpw.NewService(deps.Store, authpw.WithCost(cfg.PasswordCost)),
		suggestions: suggestion.New(suggestionDeps),
		search:      deps.Search,
		blobs:       deps.Blobs,
		feed:        deps.Feed,
		metrics:     deps.Metrics,
		logger:      logger.Named("app"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type RegisterBody struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Password string `json:"password"`
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, body RegisterBody) (Session, error) {
	account, err := s.accounts.Register(ctx, authpw.RegisterRequest{
		UserID:   body.UserID,
		Name:     body.Name,
		Kind:     body.Kind,
		Password: body.Password,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issue(account)
}

// Login verifies the account password and issues a bearer token carrying the
// stored name and kind.
func (s *Service) Login(ctx context.Context, userID, password string) (Session, error) {
	account, err := s.accounts.SignIn(ctx, userID, password)
	if err != nil {
		return Session{}, err
	}
	return s.issue(account)
}

func (s *Service) issue(account store.Account) (Session, error) {
	token, err := auth.IssueToken([]byte(s.config.TokenSecret), account.ID, account.Name, account.Kind, s.config.TokenTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    account.ID,
		UserName:  account.Name,
		Kind:      account.Kind,
		ExpiresAt: time.Now().Add(s.config.TokenTTL),
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.config.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{Token: token, UserID: claims.Subject, UserName: claims.Name, Kind: claims.Kind}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// CreateProject registers a project and makes the caller its owner.
func (s *Service) CreateProject(ctx context.Context, session Session, projectID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if strings.TrimSpace(projectID) == "" {
		projectID = util.NewID("prj")
	}
	created, err := s.store.CreateProject(ctx, projectID, name)
	if err != nil {
		return "", fmt.Errorf("create project: %w", err)
	}
	if !created {
		return "", apperr.New(http.StatusConflict, "PROJECT_EXISTS", "project id already in use", map[string]any{"projectId": projectID})
	}
	if err := s.store.UpsertProjectMember(ctx, store.ProjectMember{
		ProjectID: projectID,
		UserID:    session.UserID,
		Role:      string(rbac.RoleOwner),
	}); err != nil {
		return "", fmt.Errorf("add project owner: %w", err)
	}
	return projectID, nil
}

// AddMember grants role on the project. Only owners manage membership.
func (s *Service) AddMember(ctx context.Context, session Session, projectID, userID, role string) error {
	callerRole, err := s.requireMember(ctx, session, projectID)
	if err != nil {
		return err
	}
	if callerRole != rbac.RoleOwner {
		return rbac.ErrForbidden
	}
	if strings.TrimSpace(userID) == "" {
		return apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	switch rbac.Role(role) {
	case rbac.RoleViewer, rbac.RoleEditor, rbac.RoleOwner:
	default:
		return apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be viewer, editor or owner", nil)
	}
	return s.store.UpsertProjectMember(ctx, store.ProjectMember{ProjectID: projectID, UserID: userID, Role: role})
}

func (s *Service) requireMember(ctx context.Context, session Session, projectID string) (rbac.Role, error) {
	role, err := s.store.GetProjectRole(ctx, projectID, session.UserID)
	if err != nil {
		return "", fmt.Errorf("load project role: %w", err)
	}
	if role == "" {
		return "", rbac.ErrForbidden
	}
	return rbac.Normalize(role), nil
}

type ProposeBody struct {
	ToolCallID string           `json:"toolCallId"`
	ToolName   string           `json:"toolName"`
	Args       map[string]any   `json:"args"`
	RiskLevel  string           `json:"riskLevel"`
	Provenance store.Provenance `json:"provenance"`
}

func (s *Service) Propose(ctx context.Context, session Session, projectID string, body ProposeBody) (suggestion.ProposeOutput, error) {
	return s.suggestions.Propose(ctx, suggestion.ProposeInput{
		ProjectID:  projectID,
		ToolCallID: body.ToolCallID,
		ToolName:   body.ToolName,
		Args:       body.Args,
		RiskLevel:  body.RiskLevel,
		Actor:      store.Actor{Kind: session.Kind, ID: session.UserID, Name: session.UserName},
		Provenance: body.Provenance,
	})
}

func (s *Service) ListSuggestions(ctx context.Context, session Session, projectID, status string, limit int) ([]store.Suggestion, error) {
	if _, err := s.requireMember(ctx, session, projectID); err != nil {
		return nil, err
	}
	return s.suggestions.List(ctx, projectID, status, limit)
}

// visibleSuggestion loads a suggestion the session's user may see: only
// members of its project.
func (s *Service) visibleSuggestion(ctx context.Context, session Session, suggestionID string) (store.Suggestion, error) {
	item, err := s.suggestions.Get(ctx, suggestionID)
	if err != nil {
		return store.Suggestion{}, err
	}
	if _, err := s.requireMember(ctx, session, item.ProjectID); err != nil {
		return store.Suggestion{}, err
	}
	return item, nil
}

func (s *Service) GetSuggestion(ctx context.Context, session Session, suggestionID string) (store.Suggestion, error) {
	return s.visibleSuggestion(ctx, session, suggestionID)
}

func (s *Service) RerunPreflight(ctx context.Context, session Session, suggestionID string) (store.PreflightResult, error) {
	if _, err := s.visibleSuggestion(ctx, session, suggestionID); err != nil {
		return store.PreflightResult{}, err
	}
	return s.suggestions.RerunPreflight(ctx, session.caller(), suggestionID)
}

func (s *Service) ApplyDecisions(ctx context.Context, session Session, suggestionIDs []string, decision string) ([]suggestion.DecisionResult, error) {
	return s.suggestions.ApplyDecisions(ctx, session.caller(), suggestionIDs, decision)
}

func (s *Service) Rollback(ctx context.Context, session Session, suggestionID string, cascade bool) (suggestion.RollbackOutput, error) {
	return s.suggestions.Rollback(ctx, session.caller(), suggestionID, cascade)
}

func (s *Service) RollbackImpact(ctx context.Context, session Session, suggestionID string) (suggestion.ImpactOutput, error) {
	if _, err := s.visibleSuggestion(ctx, session, suggestionID); err != nil {
		return suggestion.ImpactOutput{}, err
	}
	return s.suggestions.RollbackImpact(ctx, suggestionID)
}

// SuggestionHistory returns the audit trail of one suggestion, oldest first.
func (s *Service) SuggestionHistory(ctx context.Context, session Session, suggestionID string) ([]store.AuditEvent, error) {
	if _, err := s.visibleSuggestion(ctx, session, suggestionID); err != nil {
		return nil, err
	}
	return s.store.ListAuditEvents(ctx, suggestionID)
}

type CreateDocumentInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// CreateDocument stores a document row, writing the body to blob storage when
// one is configured. Delete-document suggestions remove both.
func (s *Service) CreateDocument(ctx context.Context, session Session, projectID string, input CreateDocumentInput) (store.Document, error) {
	role, err := s.requireMember(ctx, session, projectID)
	if err != nil {
		return store.Document{}, err
	}
	if !rbac.Can(role, rbac.ActionPropose) {
		return store.Document{}, rbac.ErrForbidden
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	document := store.Document{
		ID:        util.NewID("doc"),
		ProjectID: projectID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if s.blobs != nil {
		key := blob.DocumentKey(projectID, document.ID)
		if err := s.blobs.PutBlob(ctx, key, []byte(input.Content), "text/markdown"); err != nil {
			return store.Document{}, fmt.Errorf("store document body: %w", err)
		}
		document.BlobKey = key
	}
	if err := s.store.InsertDocument(ctx, document); err != nil {
		if document.BlobKey != "" {
			if removeErr := s.blobs.RemoveBlob(ctx, document.BlobKey); removeErr != nil {
				s.logger.Warn("remove orphaned document blob failed", zap.String("key", document.BlobKey), zap.Error(removeErr))
			}
		}
		return store.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return document, nil
}

func (s *Service) SearchMemories(ctx context.Context, session Session, projectID, query string, limit int) ([]search.Result, error) {
	if _, err := s.requireMember(ctx, session, projectID); err != nil {
		return nil, err
	}
	if s.search == nil {
		return []search.Result{}, nil
	}
	return s.search.Search(ctx, search.Query{Text: query, ProjectID: projectID, Limit: limit})
}

// activityWindow bounds how far back the shared stream is scanned for one
// project's events.
const activityWindow = 1000

// RecentActivity reads the project's events from the live activity stream,
// newest first.
func (s *Service) RecentActivity(ctx context.Context, session Session, projectID string, count int) ([]activity.Event, error) {
	if _, err := s.requireMember(ctx, session, projectID); err != nil {
		return nil, err
	}
	if s.feed == nil {
		return nil, apperr.New(http.StatusServiceUnavailable, "ACTIVITY_UNAVAILABLE", "Activity stream not configured", nil)
	}
	if count <= 0 || count > 200 {
		count = 50
	}
	recent, err := s.feed.Recent(ctx, activityWindow)
	if err != nil {
		return nil, err
	}
	events := make([]activity.Event, 0, count)
	for _, event := range recent {
		if event.ProjectID != projectID {
			continue
		}
		events = append(events, event)
		if len(events) == count {
			break
		}
	}
	return events, nil
}

// ReindexMemories loads every committed memory into the search backends.
func (s *Service) ReindexMemories(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	memories, err := s.store.ListMemories(ctx, "")
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}
	return s.search.Reindex(ctx, memories)
}

func (s *Service) MetricsHandler() http.Handler {
	if s.metrics == nil {
		return http.NotFoundHandler()
	}
	return s.metrics.Handler()
}
