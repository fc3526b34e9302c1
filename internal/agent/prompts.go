package agent

import (
	"fmt"
	"strings"

	"github.com/alphabot-ai/replyguard/internal/content"
)

const (
	postExcerpt    = 500
	commentExcerpt = 300
)

func commentPrompt(post content.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Post title: %s\n", post.Title)
	fmt.Fprintf(&b, "Post content: %s\n", excerpt(post.Body, postExcerpt))
	fmt.Fprintf(&b, "Subreddit: r/%s\n", post.Subreddit)
	fmt.Fprintf(&b, "Score: %d\n\n", post.Score)
	b.WriteString("Write a helpful, relevant comment for this post. The comment must be:\n")
	b.WriteString("- useful and constructive\n")
	b.WriteString("- respectful of the context and suited to the subreddit\n")
	b.WriteString("- at most 300 words\n")
	b.WriteString("- in the language of the post\n")
	return b.String()
}

func replyPrompt(comment content.Item, post *content.Item) string {
	var b strings.Builder
	if post != nil {
		fmt.Fprintf(&b, "Original post: %s\n", post.Title)
	}
	fmt.Fprintf(&b, "Comment to answer: %s\n", excerpt(comment.Body, commentExcerpt))
	fmt.Fprintf(&b, "Comment author: %s\n", comment.AuthorID)
	fmt.Fprintf(&b, "Subreddit: r/%s\n\n", comment.Subreddit)
	b.WriteString("Write a reply to this comment. The reply must be:\n")
	b.WriteString("- directly related to the comment\n")
	b.WriteString("- useful and respectful\n")
	b.WriteString("- at most 200 words\n")
	b.WriteString("- in the language of the comment\n")
	return b.String()
}

func originalPostPrompt(subreddit string, inspirations []content.ScoredItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subreddit: r/%s\n\nRecent popular posts:\n", subreddit)
	for _, s := range inspirations {
		fmt.Fprintf(&b, "- %s (score: %d)\n", s.Title, s.Score)
	}
	b.WriteString("\nWrite an original post for this subreddit that draws on the current topics, ")
	b.WriteString("brings a distinct perspective and invites discussion. Keep the body under 500 words.\n\n")
	b.WriteString("Answer in the format:\nTITLE: <title>\nBODY: <post body>\n")
	return b.String()
}

func excerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
