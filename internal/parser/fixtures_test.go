package parser

// tabularScenarioA has one January money column, a top-level revenue row and
// an Expenses group holding Office Rent, plus a total row that must be ignored.
const tabularScenarioA = `{
  "Header": {"ReportName": "ProfitAndLoss", "Currency": "USD"},
  "Columns": {"Column": [
    {"ColTitle": "", "ColType": "Account"},
    {"ColTitle": "Jan 2024", "ColType": "Money", "MetaData": [
      {"Name": "StartDate", "Value": "2024-01-01"},
      {"Name": "EndDate", "Value": "2024-01-31"}
    ]}
  ]},
  "Rows": {"Row": [
    {"ColData": [{"value": "Service Revenue", "id": "1"}, {"value": "10000.00"}], "type": "Data"},
    {
      "Header": {"ColData": [{"value": "Expenses"}, {"value": ""}]},
      "Rows": {"Row": [
        {"ColData": [{"value": "Office Rent", "id": "7"}, {"value": "2000.00"}], "type": "Data"}
      ]},
      "Summary": {"ColData": [{"value": "Total Expenses"}, {"value": "2000.00"}]},
      "type": "Section"
    },
    {"ColData": [{"value": "TOTAL"}, {"value": "12000.00"}], "type": "Data"}
  ]}
}`

// tabularTwoMonths has two dated money columns, one undated money column, a
// non-numeric cell and rows without explicit ids.
const tabularTwoMonths = `{
  "Header": {"Currency": "eur"},
  "Columns": {"Column": [
    {"ColTitle": "", "ColType": "Account"},
    {"ColTitle": "Jan", "ColType": "Money", "MetaData": [
      {"Name": "StartDate", "Value": "2024-01-01"},
      {"Name": "EndDate", "Value": "2024-01-31"}
    ]},
    {"ColTitle": "Total", "ColType": "Money"},
    {"ColTitle": "Feb", "ColType": "Money", "start_date": "2024-02-01", "end_date": "2024-02-29"}
  ]},
  "Rows": {"Row": [
    {
      "Header": {"ColData": [{"value": "Income"}]},
      "Rows": {"Row": [
        {"ColData": [{"value": "Subscription Sales"}, {"value": "500"}, {"value": "1100"}, {"value": "600"}]},
        {"ColData": [{"value": "Consulting"}, {"value": "n/a"}, {"value": "50"}, {"value": "50"}]}
      ]}
    },
    {"ColData": [{"value": "Accounts Payable"}, {"value": "-25"}, {"value": "-25"}, {"value": ""}]},
    {"ColData": [{"value": ""}, {"value": "999"}]}
  ]}
}`

// hierarchicalScenarioB is a single period with one revenue and one
// operating expense line.
const hierarchicalScenarioB = `{
  "data": [{
    "period_start": "2024-01-01",
    "period_end": "2024-01-31",
    "revenue": [{"name": "Sales", "value": 100}],
    "cost_of_goods_sold": [],
    "operating_expenses": [{"name": "Rent", "value": 40}],
    "non_operating_expenses": [],
    "non_operating_revenue": []
  }]
}`

// hierarchicalNested exercises nesting, re-homing under unnamed items,
// zero and negative values, explicit ids and a dropped record.
const hierarchicalNested = `{
  "data": [
    {
      "id": 42,
      "period_start": "2024-03-01",
      "period_end": "2024-03-31",
      "currency": "gbp",
      "revenue": [
        {"name": "Product", "value": 300, "line_items": [
          {"name": "Online", "value": 200},
          {"name": "Retail", "value": 100}
        ]}
      ],
      "cost_of_goods_sold": [{"id": "cogs-1", "name": "Materials", "value": -80}],
      "operating_expenses": [
        {"name": "", "value": null, "line_items": [
          {"name": "Salaries", "value": 120},
          {"name": "Bonus", "value": 0}
        ]},
        {"name": "Misc", "value": "abc"}
      ],
      "non_operating_expenses": [{"name": "Interest", "value": 5}],
      "non_operating_revenue": [{"name": "FX Gain", "value": 7.5}]
    },
    {"period_start": "not-a-date", "period_end": "2024-04-30"},
    {"period_end": "2024-05-31"}
  ]
}`
