package resolver

import (
	"context"
	"errors"
	"sort"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/storage"
)

// Public field whitelists. Anything not listed (password, bankDetails,
// gstNumber, approvalStatus, isVerified, documents...) never leaves this package.
var (
	ngoPublicFields = []string{
		"id", "ngoName", "email", "contactNumber", "description",
		"website", "address", "logo", "focusAreas", "createdAt",
	}
	companyPublicFields = []string{
		"id", "companyName", "companyEmail", "companyPhoneNumber", "description",
		"website", "address", "logo", "industry", "createdAt",
	}
	campaignPublicFields = []string{
		"id", "title", "description", "targetAmount", "raisedAmount",
		"category", "startDate", "endDate", "images", "createdAt",
	}
	ownerPublicFields = []string{"id", "fullName", "email"}
	ngoSummaryFields  = []string{"id", "ngoName", "email"}
)

const (
	kindNGO      = "ngo"
	kindCompany  = "company"
	kindCampaign = "campaign"
)

var profileHandler = Handler{
	Load:   loadProfile,
	Redact: redactProfile,
}

var campaignHandler = Handler{
	Load:   loadCampaign,
	Redact: redactCampaign,
}

var portfolioHandler = Handler{
	Load:   loadPortfolio,
	Redact: redactPortfolio,
}

// loadProfile tries the NGO collection first, then companies.
func loadProfile(ctx context.Context, store storage.EntityStore, id string) (*Entity, error) {
	doc, err := getDocument(ctx, store, model.CollectionNGOs, id)
	kind := kindNGO
	if errors.Is(err, ErrResourceNotFound) {
		doc, err = getDocument(ctx, store, model.CollectionCompanies, id)
		kind = kindCompany
	}
	if err != nil {
		return nil, err
	}

	if kind == kindNGO {
		err = requireShape(doc, kind, "ngoName")
	} else {
		err = requireShape(doc, kind, "companyName")
	}
	if err != nil {
		return nil, err
	}

	owner, err := getOptional(ctx, store, model.CollectionUsers, doc.String("userId"))
	if err != nil {
		return nil, err
	}
	return &Entity{Kind: kind, Doc: doc, Owner: owner}, nil
}

func redactProfile(e *Entity) map[string]interface{} {
	var out model.Document
	if e.Kind == kindCompany {
		out = e.Doc.Pick(companyPublicFields...)
	} else {
		out = e.Doc.Pick(ngoPublicFields...)
	}
	if e.Owner != nil {
		out["userId"] = map[string]interface{}(e.Owner.Pick(ownerPublicFields...))
	}
	return out
}

func loadCampaign(ctx context.Context, store storage.EntityStore, id string) (*Entity, error) {
	doc, err := getDocument(ctx, store, model.CollectionCampaigns, id)
	if err != nil {
		return nil, err
	}
	if err := requireShape(doc, kindCampaign, "title", "ngoId"); err != nil {
		return nil, err
	}

	ngo, err := getOptional(ctx, store, model.CollectionNGOs, doc.String("ngoId"))
	if err != nil {
		return nil, err
	}
	return &Entity{Kind: kindCampaign, Doc: doc, Owner: ngo}, nil
}

func redactCampaign(e *Entity) map[string]interface{} {
	out := e.Doc.Pick(campaignPublicFields...)
	if e.Owner != nil {
		out["ngoId"] = map[string]interface{}(e.Owner.Pick(ngoSummaryFields...))
	}
	return out
}

// loadPortfolio loads an NGO and streams the campaigns collection for its
// active campaigns.
func loadPortfolio(ctx context.Context, store storage.EntityStore, id string) (*Entity, error) {
	doc, err := getDocument(ctx, store, model.CollectionNGOs, id)
	if err != nil {
		return nil, err
	}
	if err := requireShape(doc, kindNGO, "ngoName"); err != nil {
		return nil, err
	}

	owner, err := getOptional(ctx, store, model.CollectionUsers, doc.String("userId"))
	if err != nil {
		return nil, err
	}

	var campaigns []model.Document
	err = store.ScanCollection(ctx, model.CollectionCampaigns, func(c model.Document) error {
		if c.String("ngoId") == id && c.Bool("isActive") {
			campaigns = append(campaigns, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first, id as tie-break
	sort.SliceStable(campaigns, func(i, j int) bool {
		ti, _ := campaigns[i].Time("createdAt")
		tj, _ := campaigns[j].Time("createdAt")
		if ti.Equal(tj) {
			return campaigns[i].ID() < campaigns[j].ID()
		}
		return ti.After(tj)
	})

	return &Entity{Kind: kindNGO, Doc: doc, Owner: owner, Children: campaigns}, nil
}

func redactPortfolio(e *Entity) map[string]interface{} {
	out := redactProfile(e)
	list := make([]map[string]interface{}, 0, len(e.Children))
	for _, c := range e.Children {
		list = append(list, c.Pick(campaignPublicFields...))
	}
	out["campaigns"] = list
	return out
}
