package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/blacksky-algorithms/wintergreen/internal/index"
)

// Post implements the app.bsky.feed.post plugin: the worked example
// whose treatment (facet scan, embed dispatch, reply/quote
// notifications, aggregate maintenance) every other plugin in this
// package follows in miniature.
type Post struct{}

// NewPost builds the post plugin.
func NewPost() *Post { return &Post{} }

func (p *Post) Collection() string { return "app.bsky.feed.post" }

func (p *Post) Insert(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	text := str(record, "text")
	replyRoot, replyParent := replyRefs(record)
	langs := strSlice(record, "langs")
	createdAt := parseCreatedAt(record)
	sa := sortAt(createdAt, ts)

	var createdAtArg any
	if !createdAt.IsZero() {
		createdAtArg = createdAt
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO post (uri, did, cid, text, reply_root, reply_parent, langs, created_at, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (uri) DO NOTHING`,
		uri, did, cid, text, nullIfEmpty(replyRoot), nullIfEmpty(replyParent), langs, createdAtArg, ts)
	if err != nil {
		return fmt.Errorf("insert post %s: %w", uri, err)
	}
	if tag.RowsAffected() == 0 {
		// Already indexed by an earlier delivery; every side effect
		// below already ran, so stop here rather than double-count.
		return nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO feed_item (uri, did, post_uri, kind, sort_at) VALUES ($1, $2, $1, 'post', $3)
		 ON CONFLICT (uri) DO NOTHING`,
		uri, did, sa); err != nil {
		return fmt.Errorf("insert feed_item for %s: %w", uri, err)
	}

	if err := p.notifyMentions(ctx, tx, uri, did, record, ts); err != nil {
		return err
	}

	quoteURI, err := p.dispatchEmbed(ctx, tx, uri, did, record, ts)
	if err != nil {
		return err
	}
	if quoteURI != "" {
		if err := notifyQuote(ctx, tx, uri, did, quoteURI, ts); err != nil {
			return err
		}
	}

	if err := p.notifyReplyAncestors(ctx, tx, uri, did, replyParent, ts); err != nil {
		return err
	}

	return p.recomputeAggregates(ctx, tx, did, replyParent, quoteURI)
}

// Update is a no-op: posts are immutable in practice, and a mutation
// arrives as a delete followed by a fresh insert.
func (p *Post) Update(ctx context.Context, tx pgx.Tx, uri, did, cid string, record map[string]any, ts time.Time) error {
	return nil
}

func (p *Post) Delete(ctx context.Context, tx pgx.Tx, uri, did string) error {
	var replyParent *string
	err := tx.QueryRow(ctx, `SELECT reply_parent FROM post WHERE uri = $1`, uri).Scan(&replyParent)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("delete post %s: load reply_parent: %w", uri, err)
	}

	quoteURIs, err := queryStrings(ctx, tx, `SELECT subject_uri FROM quote WHERE uri = $1`, uri)
	if err != nil {
		return fmt.Errorf("delete post %s: load quotes: %w", uri, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM notification WHERE record_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete post %s: notifications: %w", uri, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM quote WHERE uri = $1 OR subject_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete post %s: quotes: %w", uri, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM post WHERE uri = $1`, uri); err != nil {
		return fmt.Errorf("delete post %s: %w", uri, err)
	}

	var quotedURI string
	if len(quoteURIs) > 0 {
		quotedURI = quoteURIs[0]
	}
	return p.recomputeAggregates(ctx, tx, did, derefStr(replyParent), quotedURI)
}

func replyRefs(record map[string]any) (root, parent string) {
	reply, ok := subMap(record, "reply")
	if !ok {
		return "", ""
	}
	root, _, _ = strongRef(reply, "root")
	parent, _, _ = strongRef(reply, "parent")
	return root, parent
}

// notifyMentions scans record.facets[].features[] for mention
// features and emits one notification per distinct mentioned DID,
// excluding the author.
func (p *Post) notifyMentions(ctx context.Context, tx pgx.Tx, uri, did string, record map[string]any, ts time.Time) error {
	facets := subSlice(record, "facets")
	seen := make(map[string]bool)

	for _, f := range facets {
		facet, ok := f.(map[string]any)
		if !ok {
			continue
		}
		for _, feat := range subSlice(facet, "features") {
			feature, ok := feat.(map[string]any)
			if !ok {
				continue
			}
			if str(feature, "$type") != "app.bsky.richtext.facet#mention" {
				continue
			}
			mentioned := str(feature, "did")
			if mentioned == "" || mentioned == did || seen[mentioned] {
				continue
			}
			seen[mentioned] = true
			if err := insertNotification(ctx, tx, mentioned, "mention", "", did, uri, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// notifyReplyAncestors walks up to 5 replyParent links in the post
// table, notifying each distinct non-self author once.
func (p *Post) notifyReplyAncestors(ctx context.Context, tx pgx.Tx, uri, did, replyParent string, ts time.Time) error {
	seen := map[string]bool{did: true}
	current := replyParent

	for depth := 0; depth < 5 && current != ""; depth++ {
		var author, nextParent string
		err := tx.QueryRow(ctx, `SELECT did, COALESCE(reply_parent, '') FROM post WHERE uri = $1`, current).Scan(&author, &nextParent)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk reply ancestors from %s: %w", uri, err)
		}

		if !seen[author] {
			seen[author] = true
			if err := insertNotification(ctx, tx, author, "reply", current, did, uri, ts); err != nil {
				return err
			}
		}
		current = nextParent
	}
	return nil
}

// dispatchEmbed handles record.embed.$type, inserting into the
// matching embed table and returning the quoted post URI, if any, so
// the caller can emit the quote notification and aggregate update.
func (p *Post) dispatchEmbed(ctx context.Context, tx pgx.Tx, uri, did string, record map[string]any, ts time.Time) (string, error) {
	embed, ok := subMap(record, "embed")
	if !ok {
		return "", nil
	}
	return p.insertEmbed(ctx, tx, uri, embed)
}

func (p *Post) insertEmbed(ctx context.Context, tx pgx.Tx, uri string, embed map[string]any) (string, error) {
	switch str(embed, "$type") {
	case "app.bsky.embed.images":
		return "", p.insertImages(ctx, tx, uri, embed)
	case "app.bsky.embed.external":
		return "", p.insertExternal(ctx, tx, uri, embed)
	case "app.bsky.embed.video":
		return "", p.insertVideo(ctx, tx, uri, embed)
	case "app.bsky.embed.record":
		return p.insertRecordEmbed(ctx, tx, uri, embed)
	case "app.bsky.embed.recordWithMedia":
		quoteURI, err := p.insertRecordEmbed(ctx, tx, uri, firstMap(embed, "record"))
		if err != nil {
			return "", err
		}
		if media, ok := subMap(embed, "media"); ok {
			if _, err := p.insertEmbed(ctx, tx, uri, media); err != nil {
				return "", err
			}
		}
		return quoteURI, nil
	default:
		return "", nil
	}
}

func (p *Post) insertImages(ctx context.Context, tx pgx.Tx, uri string, embed map[string]any) error {
	images := subSlice(embed, "images")
	for i, img := range images {
		im, ok := img.(map[string]any)
		if !ok {
			continue
		}
		cid := blobCID(im, "image")
		alt := str(im, "alt")
		if _, err := tx.Exec(ctx,
			`INSERT INTO post_embed_image (post_uri, idx, cid, alt) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (post_uri, idx) DO NOTHING`,
			uri, i, cid, alt); err != nil {
			return fmt.Errorf("insert image embed for %s: %w", uri, err)
		}
	}
	return nil
}

func (p *Post) insertExternal(ctx context.Context, tx pgx.Tx, uri string, embed map[string]any) error {
	ext, ok := subMap(embed, "external")
	if !ok {
		return nil
	}
	thumbCID := blobCID(ext, "thumb")
	var thumbArg any
	if thumbCID != "" {
		thumbArg = thumbCID
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO post_embed_external (post_uri, uri, title, description, thumb_cid)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (post_uri) DO NOTHING`,
		uri, str(ext, "uri"), str(ext, "title"), str(ext, "description"), thumbArg)
	if err != nil {
		return fmt.Errorf("insert external embed for %s: %w", uri, err)
	}
	return nil
}

func (p *Post) insertVideo(ctx context.Context, tx pgx.Tx, uri string, embed map[string]any) error {
	cid := blobCID(embed, "video")
	_, err := tx.Exec(ctx,
		`INSERT INTO post_embed_video (post_uri, cid, alt) VALUES ($1, $2, $3)
		 ON CONFLICT (post_uri) DO NOTHING`,
		uri, cid, str(embed, "alt"))
	if err != nil {
		return fmt.Errorf("insert video embed for %s: %w", uri, err)
	}
	return nil
}

// insertRecordEmbed handles the quote-post case: record.embed.record
// is a strong ref. It returns the quoted URI so the caller can emit a
// notification only when the quote targets a different author.
func (p *Post) insertRecordEmbed(ctx context.Context, tx pgx.Tx, uri string, embed map[string]any) (string, error) {
	subjectURI, subjectCID, ok := strongRef(embed, "record")
	if !ok {
		subjectURI, subjectCID, ok = str(embed, "uri"), str(embed, "cid"), str(embed, "uri") != ""
	}
	if !ok {
		return "", nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO quote (uri, subject_uri, subject_cid) VALUES ($1, $2, $3)
		 ON CONFLICT (uri) DO NOTHING`,
		uri, subjectURI, subjectCID); err != nil {
		return "", fmt.Errorf("insert quote embed for %s: %w", uri, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO post_embed_record (post_uri, subject_uri, subject_cid) VALUES ($1, $2, $3)
		 ON CONFLICT (post_uri) DO NOTHING`,
		uri, subjectURI, subjectCID); err != nil {
		return "", fmt.Errorf("insert post_embed_record for %s: %w", uri, err)
	}
	return subjectURI, nil
}

func notifyQuote(ctx context.Context, tx pgx.Tx, uri, did, quoteURI string, ts time.Time) error {
	quotedDID := didFromURI(quoteURI)
	if quotedDID == "" || quotedDID == did {
		return nil
	}
	return insertNotification(ctx, tx, quotedDID, "quote", quoteURI, did, uri, ts)
}

// recomputeAggregates recounts post_agg.reply_count for replyParent,
// post_agg.quote_count for quotedURI, and profile_agg.posts_count for
// did, each an upsert from a fresh COUNT(*).
func (p *Post) recomputeAggregates(ctx context.Context, tx pgx.Tx, did, replyParent, quotedURI string) error {
	if replyParent != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO post_agg (uri, reply_count) VALUES ($1, (SELECT COUNT(*) FROM post WHERE reply_parent = $1))
			 ON CONFLICT (uri) DO UPDATE SET reply_count = EXCLUDED.reply_count`,
			replyParent); err != nil {
			return fmt.Errorf("recompute reply_count for %s: %w", replyParent, err)
		}
	}
	if quotedURI != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO post_agg (uri, quote_count) VALUES ($1, (SELECT COUNT(*) FROM quote WHERE subject_uri = $1))
			 ON CONFLICT (uri) DO UPDATE SET quote_count = EXCLUDED.quote_count`,
			quotedURI); err != nil {
			return fmt.Errorf("recompute quote_count for %s: %w", quotedURI, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO profile_agg (did, posts_count) VALUES ($1, (SELECT COUNT(*) FROM post WHERE did = $1))
		 ON CONFLICT (did) DO UPDATE SET posts_count = EXCLUDED.posts_count`,
		did); err != nil {
		return fmt.Errorf("recompute posts_count for %s: %w", did, err)
	}
	return nil
}

func insertNotification(ctx context.Context, tx pgx.Tx, recipientDID, reason, reasonSubject, authorDID, recordURI string, ts time.Time) error {
	var subjArg any
	if reasonSubject != "" {
		subjArg = reasonSubject
	}
	recordCID := ""
	_, err := tx.Exec(ctx,
		`INSERT INTO notification (did, reason, reason_subject, author_did, record_uri, record_cid, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		recipientDID, reason, subjArg, authorDID, recordURI, recordCID, ts)
	if err != nil {
		return fmt.Errorf("insert %s notification for %s: %w", reason, recipientDID, err)
	}
	return nil
}

func blobCID(m map[string]any, key string) string {
	blob, ok := subMap(m, key)
	if !ok {
		return ""
	}
	ref, ok := subMap(blob, "ref")
	if !ok {
		return str(blob, "$link")
	}
	return str(ref, "$link")
}

func firstMap(m map[string]any, key string) map[string]any {
	sub, _ := subMap(m, key)
	return sub
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func queryStrings(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// didFromURI extracts the did component of an at:// URI.
func didFromURI(uri string) string {
	const prefix = "at://"
	if len(uri) <= len(prefix) {
		return ""
	}
	rest := uri[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return ""
}

var _ index.RecordPlugin = (*Post)(nil)
