package cards

import (
	"context"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/pagination"
)

func TestCreateCardsValidatesBatch(t *testing.T) {
	db := openTestDatabase(t)
	service := mustCardService(t, db, mustGenerationService(t, db))

	oversized := make([]NewCard, MaxBulkSize+1)
	for index := range oversized {
		oversized[index] = NewCard{Front: "front", Back: "back", Source: generations.SourceManual}
	}

	testCases := []struct {
		name     string
		batch    []NewCard
		wantCode string
	}{
		{name: "empty batch", batch: nil, wantCode: CodeValidation},
		{name: "too many cards", batch: oversized, wantCode: CodeValidation},
		{name: "blank front", batch: []NewCard{{Front: "  ", Back: "back", Source: generations.SourceManual}}, wantCode: CodeValidation},
		{name: "front too long", batch: []NewCard{{Front: strings.Repeat("ą", MaxFrontLength+1), Back: "back", Source: generations.SourceManual}}, wantCode: CodeValidation},
		{name: "back too long", batch: []NewCard{{Front: "front", Back: strings.Repeat("b", MaxBackLength+1), Source: generations.SourceManual}}, wantCode: CodeValidation},
		{name: "markup only front", batch: []NewCard{{Front: "<b></b>", Back: "back", Source: generations.SourceManual}}, wantCode: CodeValidation},
		{name: "script only back", batch: []NewCard{{Front: "front", Back: "<script>alert(1)</script>", Source: generations.SourceManual}}, wantCode: CodeValidation},
		{name: "unknown source", batch: []NewCard{{Front: "front", Back: "back", Source: "imported"}}, wantCode: CodeValidation},
		{name: "ai card without generation", batch: []NewCard{{Front: "front", Back: "back", Source: generations.SourceAICreated}}, wantCode: CodeGenerationIDRequired},
		{name: "edited card without generation", batch: []NewCard{{Front: "front", Back: "back", Source: generations.SourceAIEdited}}, wantCode: CodeGenerationIDRequired},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.CreateCards(context.Background(), "user-1", testCase.batch)
			if code := CodeOf(err); err == nil || code != testCase.wantCode {
				t.Fatalf("expected %s, got %v", testCase.wantCode, err)
			}
		})
	}

	var count int64
	db.Model(&Card{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no cards written, got %d", count)
	}
}

func TestCreateCardsAcceptsBoundaryLengths(t *testing.T) {
	db := openTestDatabase(t)
	service := mustCardService(t, db, mustGenerationService(t, db))

	front := strings.Repeat("ż", MaxFrontLength)
	back := strings.Repeat("b", MaxBackLength)
	created, err := service.CreateCards(context.Background(), "user-1", []NewCard{
		{Front: front, Back: back, Source: generations.SourceManual},
		{Front: "  What does List<T> declare?  ", Back: "A generic list of <T> items", Source: generations.SourceManual},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(created) != 2 || created[0].ID == 0 {
		t.Fatalf("expected two stored cards, got %+v", created)
	}
	if created[1].Front != "What does List<T> declare?" || created[1].Back != "A generic list of <T> items" {
		t.Fatalf("expected trimmed text stored as typed, got %q / %q", created[1].Front, created[1].Back)
	}
	if created[0].GenerationID != nil {
		t.Fatalf("expected manual card without generation, got %v", *created[0].GenerationID)
	}
}

func TestCreateCardsChecksOwnershipBeforeWriting(t *testing.T) {
	db := openTestDatabase(t)
	ownership := &countingOwnership{delegate: mustGenerationService(t, db)}
	service := mustCardService(t, db, ownership)

	mine := mustSeedGeneration(t, db, "user-1", "hash-mine", 3)
	theirs := mustSeedGeneration(t, db, "user-2", "hash-theirs", 3)

	_, err := service.CreateCards(context.Background(), "user-1", []NewCard{
		{Front: "mine", Back: "back", Source: generations.SourceAICreated, GenerationID: int64Ptr(mine.ID)},
		{Front: "theirs", Back: "back", Source: generations.SourceAICreated, GenerationID: int64Ptr(theirs.ID)},
	})
	if CodeOf(err) != CodeGenerationNotFound {
		t.Fatalf("expected generation_not_found, got %v", err)
	}
	if ownership.calls != 1 {
		t.Fatalf("expected one ownership lookup, got %d", ownership.calls)
	}

	_, err = service.CreateCards(context.Background(), "user-1", []NewCard{
		{Front: "ghost", Back: "back", Source: generations.SourceAIEdited, GenerationID: int64Ptr(9999)},
	})
	if CodeOf(err) != CodeGenerationNotFound {
		t.Fatalf("expected generation_not_found for unknown id, got %v", err)
	}

	var count int64
	db.Model(&Card{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no cards written, got %d", count)
	}
}

func TestCreateCardsRejectsDuplicateFrontAtomically(t *testing.T) {
	db := openTestDatabase(t)
	service := mustCardService(t, db, mustGenerationService(t, db))
	ctx := context.Background()

	if _, err := service.CreateCards(ctx, "user-1", []NewCard{{Front: "Capital of France?", Back: "Paris", Source: generations.SourceManual}}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := service.CreateCards(ctx, "user-1", []NewCard{
		{Front: "Capital of Spain?", Back: "Madrid", Source: generations.SourceManual},
		{Front: "Capital of France?", Back: "Paris again", Source: generations.SourceManual},
	})
	if CodeOf(err) != CodeDuplicateFront {
		t.Fatalf("expected duplicate_front, got %v", err)
	}

	var count int64
	db.Model(&Card{}).Where("user_id = ?", "user-1").Count(&count)
	if count != 1 {
		t.Fatalf("expected batch to roll back, found %d cards", count)
	}

	// The same front is allowed for another user.
	if _, err := service.CreateCards(ctx, "user-2", []NewCard{{Front: "Capital of France?", Back: "Paris", Source: generations.SourceManual}}); err != nil {
		t.Fatalf("expected other user to reuse front: %v", err)
	}
}

func TestUpdatePromotesAICreatedCards(t *testing.T) {
	db := openTestDatabase(t)
	service := mustCardService(t, db, mustGenerationService(t, db))
	ctx := context.Background()
	generation := mustSeedGeneration(t, db, "user-1", "hash-1", 2)

	created, err := service.CreateCards(ctx, "user-1", []NewCard{
		{Front: "AI front", Back: "AI back", Source: generations.SourceAICreated, GenerationID: int64Ptr(generation.ID)},
		{Front: "Manual front", Back: "Manual back", Source: generations.SourceManual},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := service.Update(ctx, "user-1", created[0].ID, CardUpdate{}); CodeOf(err) != CodeValidation {
		t.Fatalf("expected validation error for empty update, got %v", err)
	}

	unchanged, err := service.Update(ctx, "user-1", created[0].ID, CardUpdate{Front: stringPtr("AI front")})
	if err != nil {
		t.Fatalf("no-op update failed: %v", err)
	}
	if unchanged.Source != generations.SourceAICreated {
		t.Fatalf("expected identical text to keep ai_created, got %s", unchanged.Source)
	}

	edited, err := service.Update(ctx, "user-1", created[0].ID, CardUpdate{Back: stringPtr("Better back")})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if edited.Source != generations.SourceAIEdited || edited.Back != "Better back" || edited.Front != "AI front" {
		t.Fatalf("unexpected edited card: %+v", edited)
	}

	manual, err := service.Update(ctx, "user-1", created[1].ID, CardUpdate{Front: stringPtr("Manual front 2")})
	if err != nil {
		t.Fatalf("manual update failed: %v", err)
	}
	if manual.Source != generations.SourceManual {
		t.Fatalf("expected manual card to stay manual, got %s", manual.Source)
	}

	if _, err := service.Update(ctx, "user-1", created[1].ID, CardUpdate{Front: stringPtr("AI front")}); CodeOf(err) != CodeDuplicateFront {
		t.Fatalf("expected duplicate_front on rename, got %v", err)
	}
	if _, err := service.Update(ctx, "user-2", created[1].ID, CardUpdate{Front: stringPtr("stolen")}); CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found for foreign card, got %v", err)
	}
}

func TestDeletingGenerationKeepsCards(t *testing.T) {
	db := openTestDatabase(t)
	generationService := mustGenerationService(t, db)
	service := mustCardService(t, db, generationService)
	ctx := context.Background()
	generation := mustSeedGeneration(t, db, "user-1", "hash-1", 1)

	created, err := service.CreateCards(ctx, "user-1", []NewCard{
		{Front: "Kept", Back: "card", Source: generations.SourceAICreated, GenerationID: int64Ptr(generation.ID)},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := generationService.Delete(ctx, "user-1", generation.ID); err != nil {
		t.Fatalf("delete generation failed: %v", err)
	}

	card, err := service.Get(ctx, "user-1", created[0].ID)
	if err != nil {
		t.Fatalf("expected card to survive: %v", err)
	}
	if card.GenerationID != nil {
		t.Fatalf("expected generation reference to be cleared, got %d", *card.GenerationID)
	}
	if card.Source != generations.SourceAICreated {
		t.Fatalf("expected source to be kept, got %s", card.Source)
	}
}

func TestListFiltersAndClampsPaging(t *testing.T) {
	db := openTestDatabase(t)
	service := mustCardService(t, db, mustGenerationService(t, db))
	ctx := context.Background()
	generation := mustSeedGeneration(t, db, "user-1", "hash-1", 2)

	if _, err := service.CreateCards(ctx, "user-1", []NewCard{
		{Front: "Alpha", Back: "first letter", Source: generations.SourceManual},
		{Front: "Beta", Back: "second letter", Source: generations.SourceAICreated, GenerationID: int64Ptr(generation.ID)},
		{Front: "Gamma", Back: "third", Source: generations.SourceAIEdited, GenerationID: int64Ptr(generation.ID)},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.CreateCards(ctx, "user-2", []NewCard{{Front: "Alpha", Back: "other", Source: generations.SourceManual}}); err != nil {
		t.Fatalf("create other failed: %v", err)
	}

	query, err := pagination.Parse(pagination.Raw{Page: "0", Limit: "500", Sort: "front", Order: "asc"}, ListOptions)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if query.Page != 1 || query.Limit != pagination.MaxLimit {
		t.Fatalf("expected clamped paging, got %+v", query)
	}

	page, err := service.List(ctx, "user-1", query, ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.Pagination.TotalItems != 3 || page.Data[0].Front != "Alpha" || page.Data[2].Front != "Gamma" {
		t.Fatalf("unexpected page: %+v", page)
	}

	testCases := []struct {
		name   string
		filter ListFilter
		fronts []string
	}{
		{name: "by source", filter: ListFilter{Source: generations.SourceAIEdited}, fronts: []string{"Gamma"}},
		{name: "by generation", filter: ListFilter{GenerationID: int64Ptr(generation.ID)}, fronts: []string{"Beta", "Gamma"}},
		{name: "by search", filter: ListFilter{Search: "LETTER"}, fronts: []string{"Alpha", "Beta"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			page, err := service.List(ctx, "user-1", query, testCase.filter)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(page.Data) != len(testCase.fronts) {
				t.Fatalf("expected %v, got %+v", testCase.fronts, page.Data)
			}
			for index, front := range testCase.fronts {
				if page.Data[index].Front != front {
					t.Fatalf("expected %v, got %+v", testCase.fronts, page.Data)
				}
			}
		})
	}

	if _, err := service.List(ctx, "user-1", query, ListFilter{Search: strings.Repeat("s", MaxSearchSize+1)}); CodeOf(err) != CodeValidation {
		t.Fatalf("expected validation error for long search, got %v", err)
	}
}

func TestDeleteIsOwnerScoped(t *testing.T) {
	db := openTestDatabase(t)
	service := mustCardService(t, db, mustGenerationService(t, db))
	ctx := context.Background()

	created, err := service.CreateCards(ctx, "user-1", []NewCard{{Front: "front", Back: "back", Source: generations.SourceManual}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := service.Delete(ctx, "user-2", created[0].ID); CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not_found for foreign delete, got %v", err)
	}
	if err := service.Delete(ctx, "user-1", created[0].ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.Get(ctx, "user-1", created[0].ID); CodeOf(err) != CodeNotFound {
		t.Fatalf("expected card to be gone, got %v", err)
	}
}
