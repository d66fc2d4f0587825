package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/internal/engine"
)

var graphCmd = &cobra.Command{
	Use:   "graph [config]",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  stratus graph | dot -Tpng > graph.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	nodes, err := loadConfig(args)
	if err != nil {
		return err
	}
	graph, err := engine.BuildGraph(nodes)
	if err != nil {
		return err
	}

	fmt.Println("digraph stratus {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()
	for _, addr := range graph.Addrs() {
		fmt.Printf("  %q;\n", addr)
	}
	fmt.Println()
	for _, addr := range graph.Addrs() {
		for _, dep := range graph.Dependencies(addr) {
			fmt.Printf("  %q -> %q;\n", addr, dep)
		}
	}
	fmt.Println("}")
	return nil
}
