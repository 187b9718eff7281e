package service

import (
	"time"

	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// CatalogService stores and retrieves workflow templates. Templates are
// never edited in place once published; stage changes are made by creating
// a new template and deactivating the old one.
type CatalogService struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewCatalogService(store storage.Store, logger Logger) *CatalogService {
	return &CatalogService{store: store, logger: logger, now: time.Now}
}

// CreateTemplate validates and stores a new template, returning it with
// its assigned identifier.
func (cs *CatalogService) CreateTemplate(t models.WorkflowTemplate) (models.WorkflowTemplate, error) {
	if t.Name == "" {
		return models.WorkflowTemplate{}, errors.Wrap(ErrInvalidTemplate, "template name cannot be empty")
	}
	if t.RequestType == "" {
		return models.WorkflowTemplate{}, errors.Wrap(ErrInvalidTemplate, "request type cannot be empty")
	}
	if err := t.Stages.Validate(); err != nil {
		return models.WorkflowTemplate{}, errors.Wrap(ErrInvalidTemplate, err.Error())
	}
	t.Active = true
	t.CreatedAt = cs.now()
	id, err := cs.store.SaveTemplate(t)
	if err != nil {
		return models.WorkflowTemplate{}, errors.Wrap(err, "save template")
	}
	t.ID = id
	cs.logger.Infof("Created template '%s' (%s) with %d stages, ID %d", t.Name, t.RequestType, len(t.Stages), id)
	return t, nil
}

// GetTemplate returns a template by ID or storage.ErrNotFound.
func (cs *CatalogService) GetTemplate(id int64) (models.WorkflowTemplate, error) {
	return cs.store.GetTemplate(id)
}

// ListTemplatesForType returns all templates for a request type, most
// recent first.
func (cs *CatalogService) ListTemplatesForType(requestType string) ([]models.WorkflowTemplate, error) {
	return cs.store.ListTemplatesByType(requestType)
}

// Deactivate marks a template inactive. Existing instances keep their
// snapshot and are unaffected.
func (cs *CatalogService) Deactivate(id int64) error {
	if err := cs.store.SetTemplateActive(id, false); err != nil {
		return err
	}
	cs.logger.Infof("Deactivated template %d", id)
	return nil
}

// defaultTemplates is the baseline set installed by SeedDefaults for
// request types that have no templates yet.
var defaultTemplates = []models.WorkflowTemplate{
	{
		Name:        "Standard Purchase Approval",
		Description: "Two-stage purchase requisition approval",
		RequestType: "PURCHASE_REQUEST",
		Stages: models.StageList{
			{Order: 1, Name: "Procurement Review", RequiredRoles: []string{"PROCUREMENT_OFFICER"}},
			{Order: 2, Name: "Finance Sign-off", RequiredRoles: []string{"FINANCE_MANAGER", "CFO"}},
		},
	},
	{
		Name:        "Invoice Approval",
		Description: "Finance review followed by executive sign-off",
		RequestType: "INVOICE",
		Stages: models.StageList{
			{Order: 1, Name: "Finance Review", RequiredRoles: []string{"ACCOUNTANT"}},
			{Order: 2, Name: "Executive Sign-off", RequiredRoles: []string{"CEO", "CFO"}},
		},
	},
	{
		Name:        "Payment Release",
		Description: "Three-stage payment request approval",
		RequestType: "PAYMENT_REQUEST",
		Stages: models.StageList{
			{Order: 1, Name: "Accounts Review", RequiredRoles: []string{"ACCOUNTANT"}},
			{Order: 2, Name: "Finance Manager Approval", RequiredRoles: []string{"FINANCE_MANAGER"}},
			{Order: 3, Name: "Executive Release", RequiredRoles: []string{"CEO", "CFO"}},
		},
	},
	{
		Name:        "IT Request Approval",
		Description: "Single-stage IT request approval",
		RequestType: "IT_REQUEST",
		Stages: models.StageList{
			{Order: 1, Name: "IT Manager Review", RequiredRoles: []string{"IT_MANAGER"}},
		},
	},
}

// SeedDefaults idempotently installs the baseline templates: request types
// that already have any template are left untouched.
func (cs *CatalogService) SeedDefaults() error {
	for _, t := range defaultTemplates {
		count, err := cs.store.CountTemplatesByType(t.RequestType)
		if err != nil {
			return errors.Wrapf(err, "count templates for %s", t.RequestType)
		}
		if count > 0 {
			continue
		}
		if _, err := cs.CreateTemplate(t); err != nil {
			return errors.Wrapf(err, "seed template for %s", t.RequestType)
		}
	}
	return nil
}
