package transform_test

import (
	"fmt"

	"github.com/rivet-gg/actorrepl/transform"
)

func ExampleTransformer_Transform() {
	tr := transform.New(transform.Options{Language: transform.JavaScript})

	for _, src := range []string{
		"await actor.increment(1)",
		"const x = 1;\nx * 2",
		"const x = 1",
	} {
		out, err := tr.Transform(src)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		fmt.Printf("%q\n", out)
	}
	// Output:
	// "return await actor.increment(1)"
	// "const x = 1;\nreturn x * 2"
	// "const x = 1"
}
