package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern_Empty(t *testing.T) {
	_, err := CompilePattern("")
	require.Error(t, err)
}

func TestPattern_SingleStarStaysInSegment(t *testing.T) {
	p, err := CompilePattern(".env.*")
	require.NoError(t, err)

	assert.True(t, p.Match(".env.local"))
	assert.True(t, p.Match(".env.production"))
	assert.False(t, p.Match(".env"))
	assert.False(t, p.Match("config/.env.local"))
}

func TestPattern_LeadingDoubleStar(t *testing.T) {
	p, err := CompilePattern("**/Dockerfile")
	require.NoError(t, err)

	// `**/` matches zero or more leading segments.
	assert.True(t, p.Match("Dockerfile"))
	assert.True(t, p.Match("services/api/Dockerfile"))
	assert.False(t, p.Match("Dockerfile.dev"))
}

func TestPattern_TrailingDoubleStar(t *testing.T) {
	p, err := CompilePattern("node_modules/**")
	require.NoError(t, err)

	assert.True(t, p.Match("node_modules/lodash/index.js"))
	assert.True(t, p.Match("node_modules/a"))
	assert.False(t, p.Match("node_modules"))
	assert.False(t, p.Match("src/node_modules_like.ts"))
}

func TestPattern_InnerDoubleStar(t *testing.T) {
	p, err := CompilePattern("src/**/auth/**")
	require.NoError(t, err)

	assert.True(t, p.Match("src/lib/server/auth/session.ts"))
	assert.True(t, p.Match("src/auth/token.ts"))
	assert.False(t, p.Match("src/lib/authn.ts"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "src/app.ts", Normalize("./src/app.ts"))
	assert.Equal(t, "src/app.ts", Normalize("/src/app.ts"))
	assert.Equal(t, "src/app.ts", Normalize(".//src/app.ts"))
	assert.Equal(t, "src/app.ts", Normalize("src\\app.ts"))
}

func TestClassifier_Precedence(t *testing.T) {
	// A path matching both tables must classify as protected.
	c, err := NewClassifier(
		[]string{"prisma/**"},
		[]string{"prisma/schema.prisma"},
	)
	require.NoError(t, err)

	assert.Equal(t, ClassProtected, c.Classify("prisma/schema.prisma"))
}

func TestClassifier_OrderIndependence(t *testing.T) {
	a, err := NewClassifier([]string{"src/lib/**", "src/lib/auth.ts"}, nil)
	require.NoError(t, err)
	b, err := NewClassifier([]string{"src/lib/auth.ts", "src/lib/**"}, nil)
	require.NoError(t, err)

	for _, path := range []string{"src/lib/auth.ts", "src/lib/db.ts", "src/routes/+page.svelte"} {
		assert.Equal(t, a.Classify(path), b.Classify(path), path)
	}
}

func TestClassifier_Defaults(t *testing.T) {
	c, err := NewClassifier(DefaultProtectedPatterns(), DefaultSensitivePatterns())
	require.NoError(t, err)

	assert.Equal(t, ClassProtected, c.Classify("src/lib/auth.ts"))
	assert.Equal(t, ClassProtected, c.Classify(".env"))
	assert.Equal(t, ClassProtected, c.Classify("prisma/migrations/0001_init/migration.sql"))
	assert.Equal(t, ClassSensitive, c.Classify("prisma/schema.prisma"))
	assert.Equal(t, ClassSensitive, c.Classify("package.json"))
	assert.Equal(t, ClassOrdinary, c.Classify("src/routes/+page.svelte"))
}

func TestClassifier_CheckWrite(t *testing.T) {
	c, err := NewClassifier([]string{"src/lib/auth.ts"}, nil)
	require.NoError(t, err)

	err = c.CheckWrite("./src/lib/auth.ts")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtectedPath))
	assert.Contains(t, err.Error(), "src/lib/auth.ts")

	assert.NoError(t, c.CheckWrite("src/lib/db.ts"))
}

func TestClassify_NormalizesBeforeMatching(t *testing.T) {
	c, err := NewClassifier([]string{".env"}, nil)
	require.NoError(t, err)

	assert.Equal(t, ClassProtected, c.Classify("./.env"))
	assert.Equal(t, ClassProtected, c.Classify("/.env"))
}
