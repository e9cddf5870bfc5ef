package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/librarylend/ledger/lending"
)

type seedOptions struct {
	Members       int
	Books         int
	BorrowedRatio float64
	Seed          uint64
}

type seedResult struct {
	Members  int
	Books    int
	Borrowed int
}

func newSeedCommand(flags *globalFlags) *cobra.Command {
	opts := seedOptions{Members: 40, Books: 100, BorrowedRatio: 0.18, Seed: 1}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo members and books in an empty library",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := seedLibrary(cmd.Context(), a.library, opts)
			if err != nil {
				return err
			}
			a.logger.Info("seeding complete",
				slog.Int("members", res.Members),
				slog.Int("books", res.Books),
				slog.Int("borrowed", res.Borrowed),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d members, %d books, %d borrowed\n", res.Members, res.Books, res.Borrowed)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Members, "members", opts.Members, "members to create")
	cmd.Flags().IntVar(&opts.Books, "books", opts.Books, "books to create")
	cmd.Flags().Float64Var(&opts.BorrowedRatio, "borrowed-ratio", opts.BorrowedRatio, "share of books to lend out")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", opts.Seed, "random seed for choosing borrowers")
	return cmd
}

// seedLibrary fills an empty library. Borrows go through the guard like any
// other request, so the seeded ledger and book states agree.
func seedLibrary(ctx context.Context, lib *lending.Library, opts seedOptions) (seedResult, error) {
	if opts.Members < 1 || opts.Books < 1 {
		return seedResult{}, errors.New("seed needs at least one member and one book")
	}
	if opts.BorrowedRatio < 0 || opts.BorrowedRatio > 1 {
		return seedResult{}, fmt.Errorf("borrowed ratio %v is outside [0, 1]", opts.BorrowedRatio)
	}

	existing, err := lib.ListMembers(ctx, "", 0, 1)
	if err != nil {
		return seedResult{}, err
	}
	if len(existing.Members) > 0 {
		return seedResult{}, errors.New("library already has members; seed expects an empty store")
	}

	members := make([]lending.Member, 0, opts.Members)
	for i := 1; i <= opts.Members; i++ {
		m, err := lib.CreateMember(ctx, fmt.Sprintf("Member %d", i), fmt.Sprintf("member%d@example.com", i))
		if err != nil {
			return seedResult{}, fmt.Errorf("create member %d: %w", i, err)
		}
		members = append(members, m)
	}

	books := make([]lending.Book, 0, opts.Books)
	for i := 1; i <= opts.Books; i++ {
		b, err := lib.CreateBook(ctx, fmt.Sprintf("Sample Book %d", i), fmt.Sprintf("Author %d", (i-1)%20+1))
		if err != nil {
			return seedResult{}, fmt.Errorf("create book %d: %w", i, err)
		}
		books = append(books, b)
	}

	toBorrow := int(math.Round(float64(len(books)) * opts.BorrowedRatio))
	if opts.BorrowedRatio > 0 && toBorrow == 0 {
		toBorrow = 1
	}

	// Picks are drawn up front; the generator is not safe for concurrent use.
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	picks := rng.Perm(len(books))[:toBorrow]
	borrowers := make([]lending.MemberID, toBorrow)
	for i := range borrowers {
		borrowers[i] = members[rng.IntN(len(members))].ID
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, idx := range picks {
		bookID, memberID := books[idx].ID, borrowers[i]
		g.Go(func() error {
			if _, err := lib.BorrowBook(gctx, bookID, memberID); err != nil {
				return fmt.Errorf("borrow book %d for member %d: %w", bookID, memberID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return seedResult{}, err
	}

	return seedResult{Members: len(members), Books: len(books), Borrowed: toBorrow}, nil
}
